// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proposal

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"
)

const IDSize = 32

// ID identifies a proposal. Its text form is 0x followed by 64 lower case hex digits.
type ID [IDSize]byte

func (i ID) String() string {
	return "0x" + hex.EncodeToString(i[:])
}

func (i ID) IsZero() bool {
	return i == ID{}
}

func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

func (i *ID) UnmarshalText(data []byte) error {
	tmp, err := CanonicalID(string(data))
	if err != nil {
		return err
	}
	*i = tmp
	return nil
}

// CanonicalID maps caller supplied text onto an ID.
//
// Hex input (with or without a 0x prefix, at most 64 digits) is decoded and
// left-padded with zero bytes to the fixed width. Any other non-empty text is
// hashed with SHA-256. The mapping is deterministic, so the same text always
// addresses the same proposal.
func CanonicalID(text string) (ID, error) {
	var ret ID
	s := strings.TrimSpace(text)
	if s == "" {
		return ret, &Error{Err: ErrInvalidArgument, Detail: "empty proposal id"}
	}
	digits := s
	if len(digits) > 2 && (digits[:2] == "0x" || digits[:2] == "0X") {
		digits = digits[2:]
	}
	if len(digits) <= IDSize*2 && isHex(digits) {
		if len(digits)%2 == 1 {
			digits = "0" + digits
		}
		raw, err := hex.DecodeString(digits)
		if err == nil {
			copy(ret[IDSize-len(raw):], raw)
			return ret, nil
		}
	}
	return ID(sha256.Sum256([]byte(s))), nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Identity names a proposer, approver, patient or administrator
type Identity string

func (i Identity) String() string {
	return string(i)
}

// CanonicalIdentity trims whitespace and lower cases 0x hex addresses so
// that differently cased spellings of the same address compare equal
func CanonicalIdentity(text string) (Identity, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return "", &Error{Err: ErrInvalidArgument, Detail: "empty identity"}
	}
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") && isHex(s[2:]) {
		s = "0x" + strings.ToLower(s[2:])
	}
	return Identity(s), nil
}

// deriveID builds the identifier for a new proposal from its allocation
// sequence and creation inputs
func deriveID(
	seq uint64,
	proposer, patient Identity,
	dataType string,
	createdAt time.Time,
) ID {
	h := sha256.New()
	h.Write([]byte("medgate/proposal"))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	for _, s := range []string{string(proposer), string(patient), dataType} {
		binary.BigEndian.PutUint64(buf[:], uint64(len(s)))
		h.Write(buf[:])
		h.Write([]byte(s))
	}
	binary.BigEndian.PutUint64(buf[:], uint64(createdAt.UnixNano())) // #nosec G115
	h.Write(buf[:])
	var ret ID
	copy(ret[:], h.Sum(nil))
	return ret
}
