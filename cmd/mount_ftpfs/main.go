// Copyright 2015 Google Inc. All Rights Reserved.
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

// mount_ftpfs is the thin mount helper: it speaks mount(8)'s helper
// convention, translating
//
//	mount -t ftpfs -o user=u,pass=p ftp://host/path /mnt/point
//
// into an invocation of ftpfsd. Install it as /sbin/mount.ftpfs.
package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
)

var fOptions = make(map[string]string)

func usage() {
	fmt.Fprintf(os.Stderr,
		"Usage: %s [-o options] ftp://host/pathname mount_point\n"+
			"\toptions: [user=username[,pass=password]][,verbose]\n",
		os.Args[0])
	os.Exit(1)
}

// parseOpts handles a comma-separated -o value.
func parseOpts(s string) {
	for _, opt := range strings.Split(s, ",") {
		if opt == "" {
			continue
		}

		name, value, _ := strings.Cut(opt, "=")
		switch name {
		case "user", "pass", "verbose":
			fOptions[name] = value
		default:
			fmt.Fprintf(os.Stderr, "Unknown option %s\n", opt)
			usage()
		}
	}
}

func main() {
	args := os.Args[1:]

	var positional []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-o":
			i++
			if i == len(args) {
				usage()
			}
			parseOpts(args[i])
		default:
			positional = append(positional, args[i])
		}
	}

	if len(positional) != 2 {
		usage()
	}

	target := positional[0]
	mountPoint := positional[1]

	if !strings.HasPrefix(target, "ftp://") {
		fmt.Fprintln(os.Stderr, "Invalid URL")
		usage()
	}

	daemonArgs := []string{target, mountPoint}
	if u, ok := fOptions["user"]; ok {
		daemonArgs = append(daemonArgs, "--user", u)
	}
	if p, ok := fOptions["pass"]; ok {
		daemonArgs = append(daemonArgs, "--pass", p)
	}
	if _, ok := fOptions["verbose"]; ok {
		daemonArgs = append(daemonArgs, "--verbose")
	}

	cmd := exec.Command("ftpfsd", daemonArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		log.Fatalf("ftpfsd: %v", err)
	}
}
