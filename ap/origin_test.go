/*
Copyright 2025 the Fedpress Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ap

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalID(t *testing.T) {
	for id, want := range map[string]string{
		"https://Remote.Example/u/alice":     "https://remote.example/u/alice",
		"https://remote.example:443/u/alice": "https://remote.example/u/alice",
		"https://remote.example/u/alice/":    "https://remote.example/u/alice",
		"https://remote.example:8443/u/a":    "https://remote.example:8443/u/a",
	} {
		assert.Equal(t, want, CanonicalID(id), id)
	}

	assert.Equal(t, IDHash("https://Remote.Example/u/alice/"), IDHash("https://remote.example/u/alice"))
	assert.NotEqual(t, IDHash("https://remote.example/u/alice"), IDHash("https://remote.example/u/bob"))
}

func TestLocalIDs(t *testing.T) {
	assert.Equal(t, "https://site.example/.ghost/activitypub/users/index", ActorID("site.example", "index"))
	assert.Equal(t, "https://site.example/.ghost/activitypub/article/abc", ObjectID("site.example", "Article", "abc"))
}

func TestOrigin(t *testing.T) {
	o, err := Origin("https://Remote.Example/u/alice")
	require.NoError(t, err)
	assert.Equal(t, "remote.example", o)

	for _, id := range []string{"", "gemini://remote.example/u/alice", "https:///path", "/u/alice"} {
		_, err := Origin(id)
		assert.Error(t, err, id)
	}

	assert.True(t, SameOrigin("https://a.example/x", "https://A.Example/y"))
	assert.False(t, SameOrigin("https://a.example/x", "https://b.example/x"))
}

func unmarshalActivity(t *testing.T, raw string) *Activity {
	t.Helper()
	var a Activity
	require.NoError(t, json.Unmarshal([]byte(raw), &a))
	return &a
}

func TestValidateOrigin(t *testing.T) {
	valid := unmarshalActivity(t, `{
		"id": "https://remote.example/follow/1",
		"type": "Follow",
		"actor": "https://remote.example/u/alice",
		"object": "https://site.example/.ghost/activitypub/users/index"
	}`)
	assert.NoError(t, ValidateOrigin(valid, "remote.example"))
	assert.Error(t, ValidateOrigin(valid, "evil.example"))

	foreignActor := unmarshalActivity(t, `{
		"id": "https://remote.example/follow/1",
		"type": "Follow",
		"actor": "https://other.example/u/alice",
		"object": "https://site.example/.ghost/activitypub/users/index"
	}`)
	assert.Error(t, ValidateOrigin(foreignActor, "remote.example"))

	assert.Error(t, ValidateOrigin(&Activity{Type: Follow, Actor: "https://remote.example/u/alice"}, "remote.example"))
	assert.Error(t, ValidateOrigin(&Activity{ID: "https://remote.example/follow/1", Type: Follow}, "remote.example"))
}

func TestValidateOriginDelete(t *testing.T) {
	// a server may only delete its own objects
	foreign := unmarshalActivity(t, `{
		"id": "https://remote.example/delete/1",
		"type": "Delete",
		"actor": "https://remote.example/u/alice",
		"object": "https://site.example/.ghost/activitypub/note/abc"
	}`)
	assert.Error(t, ValidateOrigin(foreign, "remote.example"))

	own := unmarshalActivity(t, `{
		"id": "https://remote.example/delete/1",
		"type": "Delete",
		"actor": "https://remote.example/u/alice",
		"object": "https://remote.example/u/alice/note-1"
	}`)
	assert.NoError(t, ValidateOrigin(own, "remote.example"))
}

func TestValidateOriginCreate(t *testing.T) {
	// a server may only create objects attributed to its own actors
	spoofed := unmarshalActivity(t, `{
		"id": "https://remote.example/create/1",
		"type": "Create",
		"actor": "https://remote.example/u/alice",
		"object": {
			"id": "https://remote.example/u/alice/note-1",
			"type": "Note",
			"attributedTo": "https://other.example/u/bob",
			"content": "<p>hi</p>"
		}
	}`)
	assert.Error(t, ValidateOrigin(spoofed, "remote.example"))

	foreignObject := unmarshalActivity(t, `{
		"id": "https://remote.example/create/1",
		"type": "Create",
		"actor": "https://remote.example/u/alice",
		"object": {
			"id": "https://other.example/u/bob/note-1",
			"type": "Note",
			"content": "<p>hi</p>"
		}
	}`)
	assert.Error(t, ValidateOrigin(foreignObject, "remote.example"))

	own := unmarshalActivity(t, `{
		"id": "https://remote.example/create/1",
		"type": "Create",
		"actor": "https://remote.example/u/alice",
		"object": {
			"id": "https://remote.example/u/alice/note-1",
			"type": "Note",
			"attributedTo": "https://remote.example/u/alice",
			"content": "<p>hi</p>"
		}
	}`)
	assert.NoError(t, ValidateOrigin(own, "remote.example"))
}
