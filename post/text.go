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

import "strings"

const wordsPerMinute = 275

// readingTime estimates reading time in minutes from HTML content.
func readingTime(content string) int {
	if content == "" {
		return 0
	}

	words := len(strings.Fields(stripTags(content)))
	if words == 0 {
		return 0
	}

	return (words + wordsPerMinute - 1) / wordsPerMinute
}

// stripTags removes markup, leaving visible text only. Unterminated tags are
// dropped to the end of the string.
func stripTags(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inTag := false
	for _, r := range s {
		switch {
		case inTag:
			if r == '>' {
				inTag = false
				b.WriteByte(' ')
			}

		case r == '<':
			inTag = true

		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}
