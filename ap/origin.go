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
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrUnsupportedActivity = errors.New("unsupported activity")

// Origin returns the origin (lowercased host) of an ActivityPub IRI.
func Origin(id string) (string, error) {
	u, err := url.Parse(id)
	if err != nil {
		return "", err
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("invalid scheme in %s: %s", id, u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("no host in %s", id)
	}

	return strings.ToLower(u.Host), nil
}

// SameOrigin reports whether two IRIs share an origin.
func SameOrigin(a, b string) bool {
	oa, err := Origin(a)
	if err != nil {
		return false
	}

	ob, err := Origin(b)
	if err != nil {
		return false
	}

	return oa == ob
}

// ValidateOrigin checks that an inbound activity only speaks for objects its
// origin has authority over. Activities that fail validation are discarded
// without retry.
func ValidateOrigin(activity *Activity, origin string) error {
	return validateOrigin(activity, origin, 0)
}

func validateOrigin(activity *Activity, origin string, depth uint) error {
	if depth == MaxActivityDepth {
		return errors.New("activity is too nested")
	}

	if activity.ID == "" {
		return errors.New("unspecified activity ID")
	}

	activityOrigin, err := Origin(activity.ID)
	if err != nil {
		return err
	}

	if activityOrigin != origin {
		return fmt.Errorf("invalid activity origin: %s", activityOrigin)
	}

	if activity.Actor == "" {
		return errors.New("unspecified actor")
	}

	actorOrigin, err := Origin(activity.Actor)
	if err != nil {
		return err
	}

	if actorOrigin != origin {
		return fmt.Errorf("invalid actor origin: %s", actorOrigin)
	}

	switch activity.Type {
	case Delete:
		// $origin can only delete objects that belong to $origin
		id := activity.ObjectID()
		if id == "" {
			return fmt.Errorf("invalid object: %T", activity.Object)
		}
		if objectOrigin, err := Origin(id); err != nil {
			return err
		} else if objectOrigin != origin {
			return fmt.Errorf("invalid object origin: %s", objectOrigin)
		}

	case Create, Update:
		// $origin can only create objects attributed to its own actors
		if obj, ok := activity.Object.(*Object); ok {
			if objectOrigin, err := Origin(obj.ID); err != nil {
				return err
			} else if objectOrigin != origin {
				return fmt.Errorf("invalid object origin: %s", objectOrigin)
			} else if obj.AttributedTo != "" && obj.AttributedTo != activity.Actor {
				authorOrigin, err := Origin(obj.AttributedTo)
				if err != nil {
					return err
				}

				if authorOrigin != origin {
					return fmt.Errorf("invalid author origin: %s", authorOrigin)
				}
			}
		} else if actor, ok := activity.Object.(*Actor); ok {
			if actorOrigin, err := Origin(actor.ID); err != nil {
				return err
			} else if actorOrigin != origin {
				return fmt.Errorf("invalid object origin: %s", actorOrigin)
			}
		} else if s, ok := activity.Object.(string); ok {
			if stringOrigin, err := Origin(s); err != nil {
				return err
			} else if stringOrigin != origin {
				return fmt.Errorf("invalid object origin: %s", stringOrigin)
			}
		} else {
			return fmt.Errorf("invalid object: %T", activity.Object)
		}

	case Undo:
		if inner, ok := activity.Object.(*Activity); ok {
			if inner.Type != Announce && inner.Type != Follow && inner.Type != Like {
				return fmt.Errorf("invalid inner activity: %w: %s", ErrUnsupportedActivity, inner.Type)
			}

			// $origin can only undo actions performed by its own actors
			if err := validateOrigin(inner, origin, depth+1); err != nil {
				return err
			}
		} else if _, ok := activity.Object.(string); !ok {
			return fmt.Errorf("invalid object: %T", activity.Object)
		}

	case Follow, Like:
		id := activity.ObjectID()
		if id == "" {
			return errors.New("empty object ID")
		}
		if _, err := Origin(id); err != nil {
			return err
		}

	case Accept, Reject:
		// follow-up to a Follow of ours; the inner Follow ID is ours
		if id := activity.ObjectID(); id == "" {
			return errors.New("empty object ID")
		}

	case Announce:
		switch v := activity.Object.(type) {
		case string:
			if v == "" {
				return errors.New("empty object ID")
			}
			if _, err := Origin(v); err != nil {
				return err
			}

		case *Object:
			if _, err := Origin(v.ID); err != nil {
				return err
			}

		case *Activity:
			// FEP-1b12 group re-announcement wraps a Create; the inner
			// activity is verified separately (proof or lookup equality)
			if v.Type != Create {
				return fmt.Errorf("invalid inner activity: %s", v.Type)
			}

		default:
			return fmt.Errorf("invalid object: %T", activity.Object)
		}

	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedActivity, activity.Type)
	}

	return nil
}
