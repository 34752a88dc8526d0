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

// Package ap defines the ActivityPub vocabulary used on the wire.
//
// Activities, objects and actors are modeled as tagged variants: an
// [Activity] carries an object that is itself an [*Activity], an [*Object],
// an [*Actor] or a bare IRI string, depending on the "type" property of the
// embedded JSON.
package ap

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

type ActivityType string

const (
	Create   ActivityType = "Create"
	Update   ActivityType = "Update"
	Delete   ActivityType = "Delete"
	Follow   ActivityType = "Follow"
	Accept   ActivityType = "Accept"
	Reject   ActivityType = "Reject"
	Undo     ActivityType = "Undo"
	Announce ActivityType = "Announce"
	Like     ActivityType = "Like"
)

// Public is the special collection addressing every actor.
const Public = "https://www.w3.org/ns/activitystreams#Public"

// MaxActivityDepth bounds unwrapping of nested activities.
const MaxActivityDepth = 4

// Activity is a single ActivityPub activity.
type Activity struct {
	Context   any          `json:"@context,omitempty"`
	ID        string       `json:"id"`
	Type      ActivityType `json:"type"`
	Actor     string       `json:"actor"`
	Object    any          `json:"object,omitempty"`
	To        Audience     `json:"to,omitzero"`
	CC        Audience     `json:"cc,omitzero"`
	Published Time         `json:"published,omitzero"`
	Proof     Proof        `json:"proof,omitzero"`
}

type rawActivity struct {
	Context   any             `json:"@context"`
	ID        string          `json:"id"`
	Type      ActivityType    `json:"type"`
	Actor     Actors          `json:"actor"`
	Object    json.RawMessage `json:"object"`
	To        Audience        `json:"to"`
	CC        Audience        `json:"cc"`
	Published Time            `json:"published"`
	Proof     Proof           `json:"proof"`
}

type typeTag struct {
	Type string `json:"type"`
}

func (a *Activity) UnmarshalJSON(b []byte) error {
	var common rawActivity
	if err := json.Unmarshal(b, &common); err != nil {
		return err
	}

	a.Context = common.Context
	a.ID = common.ID
	a.Type = common.Type
	a.Actor = common.Actor.First()
	a.To = common.To
	a.CC = common.CC
	a.Published = common.Published
	a.Proof = common.Proof
	a.Object = nil

	if len(common.Object) == 0 {
		return nil
	}

	var link string
	if err := json.Unmarshal(common.Object, &link); err == nil {
		a.Object = link
		return nil
	}

	var tag typeTag
	if err := json.Unmarshal(common.Object, &tag); err != nil {
		return fmt.Errorf("invalid activity object: %w", err)
	}

	switch {
	case ActivityType(tag.Type).IsActivity():
		var inner Activity
		if err := json.Unmarshal(common.Object, &inner); err != nil {
			return err
		}
		a.Object = &inner

	case ActorType(tag.Type).IsActor():
		var actor Actor
		if err := json.Unmarshal(common.Object, &actor); err != nil {
			return err
		}
		a.Object = &actor

	default:
		var object Object
		if err := json.Unmarshal(common.Object, &object); err != nil {
			return err
		}
		a.Object = &object
	}

	return nil
}

func (t ActivityType) IsActivity() bool {
	switch t {
	case Create, Update, Delete, Follow, Accept, Reject, Undo, Announce, Like:
		return true
	}
	return false
}

// ObjectID returns the IRI of the activity's object, however it is embedded.
func (a *Activity) ObjectID() string {
	switch o := a.Object.(type) {
	case string:
		return o
	case *Object:
		return o.ID
	case *Actor:
		return o.ID
	case *Activity:
		return o.ID
	}
	return ""
}

func (a *Activity) IsPublic() bool {
	return a.To.Contains(Public) || a.CC.Contains(Public)
}

func (a *Activity) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported conversion from %T to %T", src, a)
	}
}

func (a *Activity) Value() (driver.Value, error) {
	buf, err := json.Marshal(a)
	return string(buf), err
}

// Actors is an actor reference: an IRI string or an embedded actor object.
type Actors struct {
	id string
}

func (a *Actors) UnmarshalJSON(b []byte) error {
	if err := json.Unmarshal(b, &a.id); err == nil {
		return nil
	}

	var embedded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &embedded); err != nil {
		return err
	}

	a.id = embedded.ID
	return nil
}

func (a Actors) First() string {
	return a.id
}
