// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package topics implements OPAL's hierarchical topic expansion rules.
//
// A topic is a '/'-delimited string with an optional "scope:" prefix.
// Publishing to a logical topic a/b/c notifies subscribers registered on
// any ancestor (a, a/b, a/b/c); the prefix, when present, is preserved on
// every expanded element.
package topics

import "strings"

// Split separates an optional "scope:" prefix from the remainder of a
// topic string. If no colon is present, prefix is empty and rest is the
// whole input.
func Split(topic string) (prefix, rest string) {
	if i := strings.IndexByte(topic, ':'); i >= 0 {
		return topic[:i], topic[i+1:]
	}
	return "", topic
}

// Expand returns the ancestor chain of a logical topic, in root-to-leaf
// order, with any "scope:" prefix preserved on every element.
//
// Expand("a/b/c") == []string{"a", "a/b", "a/b/c"}
// Expand("s:a/b") == []string{"s:a", "s:a/b"}
func Expand(topic string) []string {
	prefix, rest := Split(topic)
	if rest == "" {
		return nil
	}

	segments := strings.Split(rest, "/")
	out := make([]string, 0, len(segments))
	var acc strings.Builder
	for i, seg := range segments {
		if i > 0 {
			acc.WriteByte('/')
		}
		acc.WriteString(seg)
		out = append(out, withPrefix(prefix, acc.String()))
	}
	return out
}

func withPrefix(prefix, rest string) string {
	if prefix == "" {
		return rest
	}
	return prefix + ":" + rest
}

// ExpandAll expands every topic in topics and returns the de-duplicated
// union, preserving first-seen order.
func ExpandAll(topicList []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range topicList {
		for _, e := range Expand(t) {
			if _, ok := seen[e]; !ok {
				seen[e] = struct{}{}
				out = append(out, e)
			}
		}
	}
	return out
}
