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

// Package ftpfs implements a read-only file system whose data blocks and
// directory listings are served on demand by a helper daemon rather than
// by a local block device.
//
// The file system proper is a fuseutil.FileSystem: lookups, attribute
// queries, directory reads and data reads arriving from the kernel are
// translated into typed requests, handed to the daemon through a control
// device (package ctldev), and satisfied with bytes the daemon fetches
// from its backing source — canonically an FTP server, or a local
// directory for testing (package daemon).
//
// See cmd/ftpfsd and the daemon package for how the pieces are wired
// together at mount time.
package ftpfs
