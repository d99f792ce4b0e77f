// Copyright (c) 2026 John Earle
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

// Package source defines the message source contract and the HTTP feed
// adapter that polls a JSON endpoint for satellite modem messages.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/orawny/buoysync/internal/models"
)

// ErrNotFound is returned when a source path or endpoint cannot be
// resolved. The sync runner treats it as a per-source failure, not fatal
// to sibling sources.
var ErrNotFound = errors.New("source not found")

// Adapter yields raw messages for one logical source.
//
// Enumerate MUST return messages in strictly newest-first order: the sync
// runner stops iterating at the first message older than its cutoff, which
// is only correct under this ordering. An adapter that cannot guarantee it
// must sort before returning. A zero since means no lower bound.
type Adapter interface {
	Enumerate(ctx context.Context, since time.Time) ([]models.RawMessage, error)
}
