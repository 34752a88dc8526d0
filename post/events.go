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

package post

// CreatedEvent is emitted after a post row is committed for the first time.
type CreatedEvent struct {
	Post *Post
}

// DeletedEvent is emitted after a post transitions to a tombstone.
type DeletedEvent struct {
	Post *Post
}

// LikedEvent is emitted once per account whose like was newly recorded.
type LikedEvent struct {
	Post      *Post
	AccountID int64
}

// RepostedEvent is emitted once per account whose repost was newly recorded.
type RepostedEvent struct {
	Post      *Post
	AccountID int64
}

// DerepostedEvent is emitted once per account whose repost was removed.
type DerepostedEvent struct {
	Post      *Post
	AccountID int64
}
