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

package models

import "encoding/json"

// Batch is one inbound payload from the cloud service, delivered either by
// a webhook push or a long-poll pull. Keys are the cloud's section names
// ("notifications", "de-registrations", ...); values stay raw until the
// router knows what to decode them as.
type Batch map[string]json.RawMessage

// Notification is one entry of a batch's "notifications" section. Payload
// is base64-encoded text.
type Notification struct {
	Ep      string `json:"ep"`
	Path    string `json:"path"`
	Payload string `json:"payload"`
}
