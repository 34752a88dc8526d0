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
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

type ObjectType string

const (
	Note      ObjectType = "Note"
	Article   ObjectType = "Article"
	Tombstone ObjectType = "Tombstone"
)

// Object represents non-actor ActivityPub objects: posts and tombstones.
type Object struct {
	Context      any           `json:"@context,omitempty"`
	ID           string        `json:"id"`
	Type         ObjectType    `json:"type"`
	AttributedTo string        `json:"attributedTo,omitempty"`
	InReplyTo    string        `json:"inReplyTo,omitempty"`
	Name         string        `json:"name,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	Content      string        `json:"content,omitempty"`
	Preview      *Preview      `json:"preview,omitempty"`
	URL          string        `json:"url,omitempty"`
	Image        *Attachment   `json:"image,omitempty"`
	Published    Time          `json:"published,omitzero"`
	Updated      Time          `json:"updated,omitzero"`
	To           Audience      `json:"to,omitzero"`
	CC           Audience      `json:"cc,omitzero"`
	Tag          Array[Tag]    `json:"tag,omitzero"`
	Attachment   []Attachment  `json:"attachment,omitempty"`
	Likes        CollectionRef `json:"likes,omitzero"`
	Shares       CollectionRef `json:"shares,omitzero"`
	Proof        Proof         `json:"proof,omitzero"`
}

// Preview carries the excerpt of an Article.
type Preview struct {
	Type    string `json:"type,omitempty"`
	Content string `json:"content,omitempty"`
}

func (o *Object) IsPublic() bool {
	return o.To.Contains(Public) || o.CC.Contains(Public)
}

func (o *Object) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, o)
	case string:
		return json.Unmarshal([]byte(v), o)
	default:
		return fmt.Errorf("unsupported conversion from %T to %T", src, o)
	}
}

func (o *Object) Value() (driver.Value, error) {
	buf, err := json.Marshal(o)
	return string(buf), err
}

// CollectionRef is a reference to a collection: an IRI string or an embedded
// collection carrying a totalItems count, as remote servers expose like and
// share tallies.
type CollectionRef struct {
	ID         string `json:"id,omitempty"`
	TotalItems int64  `json:"totalItems,omitempty"`
	counted    bool
}

func (c *CollectionRef) UnmarshalJSON(b []byte) error {
	if err := json.Unmarshal(b, &c.ID); err == nil {
		return nil
	}

	var embedded struct {
		ID         string `json:"id"`
		TotalItems *int64 `json:"totalItems"`
	}
	if err := json.Unmarshal(b, &embedded); err != nil {
		return err
	}

	c.ID = embedded.ID
	if embedded.TotalItems != nil {
		c.TotalItems = *embedded.TotalItems
		c.counted = true
	}
	return nil
}

func (c CollectionRef) MarshalJSON() ([]byte, error) {
	if !c.counted {
		return json.Marshal(c.ID)
	}

	return json.Marshal(map[string]any{
		"id":         c.ID,
		"totalItems": c.TotalItems,
	})
}

// Count returns the embedded totalItems count, if the remote server sent one.
func (c CollectionRef) Count() (int64, bool) {
	return c.TotalItems, c.counted
}

func (c CollectionRef) IsZero() bool {
	return c.ID == "" && !c.counted
}
