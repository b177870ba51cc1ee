// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

//go:build !unix

package actions

import "os/exec"

// killProcessGroup keeps the default cancellation, which kills only the
// command itself.
func killProcessGroup(*exec.Cmd) {}
