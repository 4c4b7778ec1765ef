// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"fmt"
	"io"
	"os"

	"gvisor.dev/pimutex/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the user, in addition to the debug log.
var ErrorLogger io.Writer = os.Stderr

// Errorf logs error to the error log and returns it as a subcommand error.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	writeError(err)
	return err
}

// Fatalf logs the same way as Errorf and exits the process with a failure
// status code.
func Fatalf(format string, args ...any) {
	writeError(fmt.Errorf(format, args...))
	os.Exit(128)
}

func writeError(err error) {
	log.Warningf("FATAL ERROR: %v", err)
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, "pimutex: %v\n", err)
	}
}
