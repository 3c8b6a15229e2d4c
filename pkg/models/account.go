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

// DefaultCloudURL is the device-management API endpoint used when an
// account does not specify one.
const DefaultCloudURL = "https://api.us-east-1.mbedcloud.com"

// Account identifies one cloud tenant we relay notifications for.
type Account struct {
	ID          string `json:"id"`
	APIKey      string `json:"api_key"`
	DisplayName string `json:"display_name"`
	URL         string `json:"url"`
}

// WebhookAuth is the credential the cloud service presents when calling our
// webhook. One-to-one with Account, generated once, never rotated in place.
type WebhookAuth struct {
	Token     string `json:"token"`
	AccountID string `json:"account_id"`
}

// Presubscription is one standing subscription pattern applied on every
// callback or long-poll registration.
type Presubscription struct {
	EndpointName string   `json:"endpoint-name,omitempty"`
	EndpointType string   `json:"endpoint-type,omitempty"`
	ResourcePath []string `json:"resource-path,omitempty"`
}
