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

package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var errForbiddenRole = errors.New("role is not allowed to administer the site")

// jwksURL is where the publishing platform exposes the signing keys of its
// admin tokens.
func jwksURL(host string) string {
	return fmt.Sprintf("https://%s/ghost/.well-known/jwks.json", host)
}

type keyCache struct {
	sync.Mutex
	sets map[string]jwk.Set
}

func (s *Service) fetchKeys(ctx context.Context, host string) (jwk.Set, error) {
	var set jwk.Set
	var err error
	for attempt := range s.Config.JWKSRetryAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.Config.JWKSRetryDelay << attempt):
			}
		}

		if set, err = jwk.Fetch(ctx, jwksURL(host)); err == nil {
			return set, nil
		}
	}

	return nil, fmt.Errorf("failed to fetch keys of %s: %w", host, err)
}

// verify validates an admin token against the site's signing keys. A stale
// cached key set is refreshed once before the token is rejected.
func (s *Service) verify(ctx context.Context, host, token string) (jwt.Token, error) {
	s.keys.Lock()
	set, cached := s.keys.sets[host]
	s.keys.Unlock()

	if cached {
		if parsed, err := jwt.Parse([]byte(token), jwt.WithKeySet(set), jwt.WithValidate(true)); err == nil {
			return parsed, nil
		}
	}

	set, err := s.fetchKeys(ctx, host)
	if err != nil {
		return nil, err
	}

	s.keys.Lock()
	if s.keys.sets == nil {
		s.keys.sets = map[string]jwk.Set{}
	}
	s.keys.sets[host] = set
	s.keys.Unlock()

	return jwt.Parse([]byte(token), jwt.WithKeySet(set), jwt.WithValidate(true))
}

// authorize authenticates the request and returns the acting token, or nil
// after writing the error response.
func (s *Service) authorize(w http.ResponseWriter, r *http.Request) bool {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}

	token, err := s.verify(r.Context(), s.Domain, raw)
	if err != nil {
		s.Log.Info("Rejected admin token", "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}

	if err := requireRole(token); err != nil {
		w.WriteHeader(http.StatusForbidden)
		return false
	}

	return true
}

func requireRole(token jwt.Token) error {
	role, ok := token.Get("role")
	if !ok {
		return errForbiddenRole
	}

	switch role {
	case "Owner", "Administrator":
		return nil
	}
	return errForbiddenRole
}
