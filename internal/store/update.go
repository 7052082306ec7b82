/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 WebMACS

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

package store

import (
	"fmt"
	"reflect"
	"strings"
)

// setClause accumulates the SET fragment of a sparse UPDATE. Only fields the
// caller supplied are written.
type setClause struct {
	cols []string
	args []any
}

func newSetClause() *setClause {
	return &setClause{}
}

// add appends column = value when value is a non-nil pointer. Typed nil
// pointers are skipped; to write NULL explicitly, use addNullable.
func (c *setClause) add(column string, value any) {
	if value == nil {
		return
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return
		}
		value = rv.Elem().Interface()
	}
	c.cols = append(c.cols, column)
	c.args = append(c.args, value)
}

// addNullable always appends the column, allowing NULL writes.
func (c *setClause) addNullable(column string, value any) {
	c.cols = append(c.cols, column)
	c.args = append(c.args, value)
}

func (c *setClause) empty() bool {
	return len(c.cols) == 0
}

// build renders "UPDATE table SET ... WHERE public_id = $n" with positional
// placeholders.
func (c *setClause) build(table, publicID string) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s SET ", table)
	for i, col := range c.cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = $%d", col, i+1)
	}
	fmt.Fprintf(&b, " WHERE public_id = $%d", len(c.cols)+1)
	return b.String(), append(c.args, publicID)
}
