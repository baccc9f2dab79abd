package webhook

import (
	"context"

	"voicebridge/internal/secrets"
)

// StoredSecrets resolves secrets by decrypting ciphertexts from the
// settings store through the credential box. Decryption happens on every
// call so rotated values take effect without a restart.
type StoredSecrets struct {
	Box              *secrets.Box
	APIKeyCipher     string
	HMACSecretCipher string
	BasicUser        string
	BasicPassCipher  string
}

func (s StoredSecrets) APIKey(_ context.Context) (string, error) {
	if s.APIKeyCipher == "" {
		return "", nil
	}
	return s.Box.Decrypt(s.APIKeyCipher)
}

func (s StoredSecrets) HMACSecret(_ context.Context) (string, error) {
	if s.HMACSecretCipher == "" {
		return "", nil
	}
	return s.Box.Decrypt(s.HMACSecretCipher)
}

func (s StoredSecrets) BasicCredentials(_ context.Context) (string, string, error) {
	if s.BasicPassCipher == "" {
		return s.BasicUser, "", nil
	}
	pass, err := s.Box.Decrypt(s.BasicPassCipher)
	if err != nil {
		return "", "", err
	}
	return s.BasicUser, pass, nil
}

// StaticSecrets serves fixed plaintext values. Meant for tests and local
// development where no master key is configured.
type StaticSecrets struct {
	Key        string
	HMAC       string
	User, Pass string
}

func (s StaticSecrets) APIKey(_ context.Context) (string, error) {
	return s.Key, nil
}

func (s StaticSecrets) HMACSecret(_ context.Context) (string, error) {
	return s.HMAC, nil
}

func (s StaticSecrets) BasicCredentials(_ context.Context) (string, string, error) {
	return s.User, s.Pass, nil
}
