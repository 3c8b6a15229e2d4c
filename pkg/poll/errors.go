/*
 * Copyright (c) 2018 ARM Limited
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

package poll

import "errors"

var (
	// ErrAlreadyPolling reports a start request for an account whose
	// long-poll loop is already running.
	ErrAlreadyPolling = errors.New("long polling is already running")

	// ErrStoppingInProgress reports a start request while the previous
	// loop has been told to stop but has not yet finished its cycle.
	ErrStoppingInProgress = errors.New("long polling is stopping")
)
