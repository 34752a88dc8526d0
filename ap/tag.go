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

type TagType string

const (
	MentionTag TagType = "Mention"
	HashtagTag TagType = "Hashtag"
)

type Tag struct {
	Type TagType `json:"type,omitempty"`
	Name string  `json:"name,omitempty"`
	Href string  `json:"href,omitempty"`
}
