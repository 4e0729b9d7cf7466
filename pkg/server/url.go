/*
 * Copyright 2025 Canal+ Group.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package server

import (
	"strconv"
	"strings"
	"time"
)

// inspectorURL is the result of decoding an inspector path. The segment
// layout depends on whether a password is configured:
//
//	/<password>/<!command>/<tokenId>/<expirationMs>
//	/<password>/<tokenId>/<expirationMs>
//	/<!command>/<tokenId>/<expirationMs>
//	/<tokenId>/<expirationMs>
//
// Only the leading segment is mandatory.
type inspectorURL struct {
	password      string
	command       string
	tokenID       string
	expiration    time.Duration
	hasExpiration bool
}

func parseInspectorURL(sub string, hasPassword bool) inspectorURL {
	parts := strings.Split(strings.TrimPrefix(sub, "/"), "/")

	segment := func(i int) string {
		if i < len(parts) {
			return parts[i]
		}

		return ""
	}

	var out inspectorURL

	rest := 0
	if hasPassword {
		out.password = segment(0)
		rest = 1
	}

	if cmd := segment(rest); strings.HasPrefix(cmd, "!") {
		out.command = cmd[1:]
		rest++
	}

	out.tokenID = segment(rest)

	if expMs, err := strconv.ParseFloat(segment(rest+1), 64); err == nil {
		out.expiration = time.Duration(expMs * float64(time.Millisecond))
		out.hasExpiration = true
	}

	return out
}
