// Copyright 2025 Tom Barlow
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

package bundle

import (
	"path/filepath"
	"strings"

	"github.com/tombee/leaderboard/pkg/errors"
)

// MaxFileSize is the upper bound on a single uploaded file.
const MaxFileSize = 100 * 1024 * 1024

// AllowedSuffixes are the accepted upload filename suffixes.
var AllowedSuffixes = []string{".py", ".yaml", ".zip", ".tar.gz"}

// CheckFilename rejects names that are not plain basenames. Every
// filename must pass this check before any path join.
func CheckFilename(name string) error {
	if name == "" {
		return &errors.ValidationError{Field: "filename", Message: "filename is required"}
	}
	if strings.Contains(name, "/") || strings.Contains(name, "\\") {
		return &errors.ValidationError{Field: "filename", Message: "filename must not contain path separators"}
	}
	if strings.Contains(name, "..") {
		return &errors.ValidationError{Field: "filename", Message: "filename must not contain '..'"}
	}
	if name != filepath.Base(name) {
		return &errors.ValidationError{Field: "filename", Message: "filename must be a plain basename"}
	}
	return nil
}

// CheckSuffix rejects filenames whose suffix is not in the allowed set.
func CheckSuffix(name string) error {
	for _, suffix := range AllowedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return nil
		}
	}
	return &errors.ValidationError{Field: "filename", Message: "file extension not allowed: " + name}
}

// CheckName runs both the basename and the suffix checks.
func CheckName(name string) error {
	if err := CheckFilename(name); err != nil {
		return err
	}
	return CheckSuffix(name)
}
