// Copyright 2024 Terminos Storage Protocol
// This file is part of the tos library.
//
// The tos library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The tos library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the tos library. If not, see <http://www.gnu.org/licenses/>.

package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValid(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Value
	}{
		{"zero int", "i0e", Int(0)},
		{"positive int", "i42e", Int(42)},
		{"negative int", "i-42e", Int(-42)},
		{"empty string", "0:", Bytes("")},
		{"string", "4:spam", Bytes("spam")},
		{"empty list", "le", List(nil)},
		{"list of strings", "l4:spam4:eggse", List{Bytes("spam"), Bytes("eggs")}},
		{"empty dict", "de", Dict(nil)},
		{
			"dict of strings",
			"d3:cow3:moo4:spam4:eggse",
			Dict{{Key: "cow", Value: Bytes("moo")}, {Key: "spam", Value: Bytes("eggs")}},
		},
		{
			"nested list in list",
			"l4:spaml1:a1:bee4:eggse",
			List{Bytes("spam"), List{Bytes("a"), Bytes("b")}, Bytes("eggs")},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Decode([]byte(c.in))
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := []string{
		"i03e",
		"i-0e",
		"ie",
		"i-e",
		"d1:b0:1:a0:e",
		"03:abc",
		"1:",
		"l",
		"i123",
		"4:spam1:a",
	}

	for _, in := range cases {
		t.Run(in, func(t *testing.T) {
			_, err := Decode([]byte(in))
			assert.Error(t, err)
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := NewDict(map[string]Value{
		"id":    Bytes("abcdefghij0123456789"),
		"event": Bytes("find_node"),
		"count": Int(20),
		"nodes": List{
			NewDict(map[string]Value{"id": Bytes("peer-one"), "addr": Bytes([]byte{127, 0, 0, 1, 0, 1})}),
			NewDict(map[string]Value{"id": Bytes("peer-two"), "addr": Bytes([]byte{127, 0, 0, 1, 0, 2})}),
		},
	})

	encoded, err := Marshal(v)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, v, decoded)
}

func TestDecodeRejectsUnsortedDictKeys(t *testing.T) {
	_, err := Decode([]byte("d4:spam4:eggs3:cow3:mooe"))
	assert.ErrorIs(t, err, ErrDictOrder)
}

func TestDecodeRejectsDuplicateDictKeys(t *testing.T) {
	_, err := Decode([]byte("d3:cow3:moo3:cow3:mooe"))
	assert.ErrorIs(t, err, ErrDictOrder)
}
