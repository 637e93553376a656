// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package authz contains the two decision rules that do not belong to the
// remote authority: the local publish rule, which derives permission from
// identity and topic shape without I/O, and the forward gate, which
// re-validates a subscription each time a message is delivered.
package authz
