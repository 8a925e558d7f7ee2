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

package api

import (
	"log/slog"
	"net/http"

	"github.com/tombee/leaderboard/internal/daemon/httputil"
	"github.com/tombee/leaderboard/pkg/errors"
)

// writeServiceError translates a core error into an HTTP response.
// Internal errors get a generic message; the cause is only logged.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.IsNotFound(err):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	case errors.IsOwnership(err):
		httputil.WriteError(w, http.StatusForbidden, err.Error())
	case errors.IsValidation(err),
		errors.IsTooLarge(err),
		errors.IsDuplicate(err),
		errors.IsIncomplete(err),
		errors.IsAdmissionRefusal(err):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("request failed", slog.String("error", err.Error()))
		httputil.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
