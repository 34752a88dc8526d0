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

package mq

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
)

// StatusError is a non-2xx response to a delivered activity.
type StatusError struct {
	Code     int
	Status   string
	Activity string
	Inbox    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Failed to send activity %s to %s (%d %s)", e.Activity, e.Inbox, e.Code, e.Status)
}

// Outcome is the verdict on a failed delivery or handling attempt.
type Outcome struct {
	// Retryable failures go back on the queue, the rest are dropped.
	Retryable bool
	// Reportable failures are unexpected and worth surfacing loudly;
	// routine federation noise is not.
	Reportable bool
}

// permanent response codes: the request will never succeed as sent
var permanentStatus = map[int]struct{}{
	400: {},
	401: {},
	403: {},
	404: {},
	405: {},
	410: {},
	422: {},
	501: {},
}

// fallback for errors that crossed a process boundary and survive only as text
var sendStatusRegex = regexp.MustCompile(`Failed to send activity .+ \((\d{3})[ )]`)

// Classify decides whether a failed attempt should be retried and whether it
// should be reported. Unknown errors are retried and reported.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Outcome{Retryable: true}
	}

	// resolution failures are routine federation noise, temporary or not
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Outcome{}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Outcome{Retryable: true}
	}

	var hostnameErr x509.HostnameError
	var unknownAuthorityErr x509.UnknownAuthorityError
	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &hostnameErr) || errors.As(err, &unknownAuthorityErr) || errors.As(err, &invalidErr) {
		return Outcome{}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.Code)
	}

	if m := sendStatusRegex.FindStringSubmatch(err.Error()); m != nil {
		code, err := strconv.Atoi(m[1])
		if err == nil {
			return classifyStatus(code)
		}
	}

	return Outcome{Retryable: true, Reportable: true}
}

func classifyStatus(code int) Outcome {
	if _, permanent := permanentStatus[code]; permanent {
		return Outcome{}
	}

	// everything else is the remote's fault and may clear up
	return Outcome{Retryable: true}
}
