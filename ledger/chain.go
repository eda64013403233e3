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

package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// ChainRef computes the confirmation reference of an entry at seq that
// follows prevRef. Each reference commits to the whole history before it.
func ChainRef(prevRef string, seq uint64, e Entry) (string, error) {
	prev, err := hex.DecodeString(prevRef)
	if err != nil {
		return "", fmt.Errorf("decode previous reference: %w", err)
	}
	data, err := Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode entry: %w", err)
	}
	h := sha256.New()
	h.Write(prev)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	h.Write(seqBuf[:])
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain checks that records form an unbroken chain starting after
// prevRef
func VerifyChain(prevRef string, records []Record) error {
	for _, rec := range records {
		if rec.PrevRef != prevRef {
			return fmt.Errorf(
				"%w: record %d links to %q, expected %q",
				ErrChainBroken,
				rec.Confirmation.Sequence,
				rec.PrevRef,
				prevRef,
			)
		}
		ref, err := ChainRef(prevRef, rec.Confirmation.Sequence, rec.Entry)
		if err != nil {
			return err
		}
		if ref != rec.Confirmation.Ref {
			return fmt.Errorf(
				"%w: record %d has reference %s, computed %s",
				ErrChainBroken,
				rec.Confirmation.Sequence,
				rec.Confirmation.Ref,
				ref,
			)
		}
		prevRef = ref
	}
	return nil
}
