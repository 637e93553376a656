// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package authz

import "strings"

// TopicSeparator separates topic levels.
const TopicSeparator = "/"

// CanPublish reports whether principal owns topic. Topics follow the
// "/<owner>/..." convention, so the owner is the level after the leading
// separator ("/alice/sensor" is owned by "alice"). The comparison is exact
// and case-sensitive with no wildcard expansion. A topic without that level
// yields an empty owner, which never matches.
func CanPublish(principal, topic string) bool {
	return principal != "" && Owner(topic) == principal
}

// Owner returns the second separator-delimited segment of topic, or "" if
// the topic has fewer than two segments.
func Owner(topic string) string {
	parts := strings.SplitN(topic, TopicSeparator, 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
