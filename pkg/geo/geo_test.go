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

package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAccessPoints(t *testing.T) {
	scan := `[
		{"macAddress": "00:25:9c:cf:1c:ac", "signalStrength": -43, "channel": 11},
		{"macAddress": "00:25:9c:cf:1c:ad", "signalStrength": -55}
	]`

	aps, err := ParseAccessPoints(scan)
	require.NoError(t, err)
	require.Len(t, aps, 2)

	assert.Equal(t, "00:25:9c:cf:1c:ac", aps[0].MACAddress)
	assert.Equal(t, -43.0, aps[0].SignalStrength)
	assert.Equal(t, 11, aps[0].Channel)
	assert.Zero(t, aps[1].Channel)
}

func TestParseAccessPointsRejectsGarbage(t *testing.T) {
	_, err := ParseAccessPoints(`{"macAddress": "not-a-list"}`)
	assert.Error(t, err)

	_, err = ParseAccessPoints(`[{`)
	assert.Error(t, err)
}
