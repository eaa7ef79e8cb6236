// GOMailSync
// Copyright (C) 2014 Simone Gotti <simone.gotti@gmail.com>
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package mailsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		rest string
		st   imapStatus
	}{
		{"OK done", imapStatus{Tag: "T1", Status: "OK", Text: "done"}},
		{"ok", imapStatus{Tag: "T1", Status: "OK"}},
		{"NO [TRYCREATE] no such mailbox", imapStatus{Tag: "T1", Status: "NO", Code: "TRYCREATE", Text: "no such mailbox"}},
		{"OK [APPENDUID 38505 3955] APPEND completed", imapStatus{Tag: "T1", Status: "OK", Code: "APPENDUID 38505 3955", Text: "APPEND completed"}},
	}
	for _, tt := range tests {
		st := parseStatus("T1", tt.rest)
		assert.Equal(t, tt.st, *st, tt.rest)
	}

	st := parseStatus("*", "OK [UIDVALIDITY 3857529045] UIDs valid")
	args, ok := st.codeArgs("uidvalidity")
	assert.True(t, ok)
	assert.Equal(t, []string{"3857529045"}, args)
	_, ok = st.codeArgs("APPENDUID")
	assert.False(t, ok)
}

func TestLiteralSize(t *testing.T) {
	n, ok := literalSize("* 1 FETCH (BODY[] {342}")
	assert.True(t, ok)
	assert.Equal(t, 342, n)

	for _, line := range []string{"* 1 FETCH (FLAGS ())", "{abc}", "no brace}", "{-1}"} {
		_, ok := literalSize(line)
		assert.False(t, ok, line)
	}
}

func TestFetchItems(t *testing.T) {
	resp := &imapResponse{
		Line:     `* 3 FETCH (UID 42 FLAGS (\Seen \Flagged) BODY[] {12})`,
		Literals: [][]byte{[]byte("a \"quoted\" )")},
	}
	items, err := fetchItems(resp)
	require.NoError(t, err)
	assert.Equal(t, "42", items["UID"].Value)
	assert.Equal(t, `(\Seen \Flagged)`, items["FLAGS"].Value)
	assert.Equal(t, "a \"quoted\" )", items["BODY[]"].Text())

	items, err = fetchItems(&imapResponse{Line: "* 3 EXPUNGE"})
	require.NoError(t, err)
	assert.Nil(t, items)

	_, err = fetchItems(&imapResponse{Line: "* 3 FETCH (UID 42 BODY[] {12})"})
	assert.Error(t, err, "missing literal")

	_, err = fetchItems(&imapResponse{Line: "* 3 FETCH (UID)"})
	assert.Error(t, err)
}

func TestStatusResponses(t *testing.T) {
	resps := []*imapResponse{
		{Line: "* 4 EXISTS"},
		{Line: "* OK [UIDVALIDITY 9] ok"},
		{Line: "* FLAGS (\\Seen)"},
		{Line: "* NO [ALERT] quota"},
	}
	sts := statusResponses(resps)
	require.Len(t, sts, 2)
	assert.Equal(t, "UIDVALIDITY 9", sts[0].Code)
	assert.Equal(t, "NO", sts[1].Status)
}
