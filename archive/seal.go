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

package archive

import (
	"errors"
	"fmt"

	sopsapi "github.com/getsops/sops/v3"
	"github.com/getsops/sops/v3/aes"
	scommon "github.com/getsops/sops/v3/cmd/sops/common"
	sopsconfig "github.com/getsops/sops/v3/config"
	"github.com/getsops/sops/v3/decrypt"
	"github.com/getsops/sops/v3/gcpkms"
	skeys "github.com/getsops/sops/v3/keys"
	awskms "github.com/getsops/sops/v3/kms"
	jsonstore "github.com/getsops/sops/v3/stores/json"
	"github.com/getsops/sops/v3/version"
)

var ErrNoMasterKeys = errors.New(
	"archive: sealing requires at least one master key: set a GCP KMS resource ID and/or AWS KMS key ARNs",
)

// SealConfig names the KMS master keys used to wrap archive data keys
type SealConfig struct {
	GcpKmsResourceID string
	AwsKmsKeyArns    string
	AwsKmsProfile    string
}

// Sealer encrypts archive objects into SOPS binary documents
type Sealer struct {
	keyGroups []sopsapi.KeyGroup
}

func NewSealer(cfg SealConfig) (*Sealer, error) {
	keyGroups := []sopsapi.KeyGroup{}
	if rid := cfg.GcpKmsResourceID; rid != "" {
		keys := []skeys.MasterKey{}
		for _, k := range gcpkms.MasterKeysFromResourceIDString(rid) {
			keys = append(keys, k)
		}
		if len(keys) > 0 {
			keyGroups = append(keyGroups, keys)
		}
	}
	if arns := cfg.AwsKmsKeyArns; arns != "" {
		keys := []skeys.MasterKey{}
		for _, k := range awskms.MasterKeysFromArnString(arns, nil, cfg.AwsKmsProfile) {
			keys = append(keys, k)
		}
		if len(keys) > 0 {
			keyGroups = append(keyGroups, keys)
		}
	}
	if len(keyGroups) == 0 {
		return nil, ErrNoMasterKeys
	}
	return &Sealer{keyGroups: keyGroups}, nil
}

// Seal encrypts data under a fresh data key
func (s *Sealer) Seal(data []byte) ([]byte, error) {
	storeConfig := &sopsconfig.JSONBinaryStoreConfig{}
	input := jsonstore.NewBinaryStore(storeConfig)
	output := jsonstore.NewBinaryStore(storeConfig)

	branches, err := input.LoadPlainFile(data)
	if err != nil {
		return nil, fmt.Errorf("error loading data: %w", err)
	}
	// prevent double encryption
	for _, branch := range branches {
		for _, b := range branch {
			if b.Key == "sops" {
				return nil, errors.New("already encrypted")
			}
		}
	}
	tree := sopsapi.Tree{Branches: branches}
	tree.Metadata = sopsapi.Metadata{
		KeyGroups: s.keyGroups,
		Version:   version.Version,
	}
	dataKey, errs := tree.GenerateDataKey()
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed generating data key: %v", errs)
	}
	if err := scommon.EncryptTree(scommon.EncryptTreeOpts{
		DataKey: dataKey,
		Tree:    &tree,
		Cipher:  aes.NewCipher(),
	}); err != nil {
		return nil, fmt.Errorf("failed encrypt: %w", err)
	}
	encrypted, err := output.EmitEncryptedFile(tree)
	if err != nil {
		return nil, fmt.Errorf("failed output: %w", err)
	}
	return encrypted, nil
}

// Open decrypts a sealed object. The KMS credentials come from the
// environment of the process, as with the sops CLI.
func Open(data []byte) ([]byte, error) {
	ret, err := decrypt.Data(data, "binary")
	if err != nil {
		return nil, err
	}
	return ret, nil
}
