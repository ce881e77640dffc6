package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	EnvPrivateKey           = "CONTRAPARTY_PRIVATE_KEY"
	EnvPrivateKeyFile       = "CONTRAPARTY_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "CONTRAPARTY_KEYSTORE_PATH"
	EnvKeystorePassword     = "CONTRAPARTY_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "CONTRAPARTY_KEYSTORE_PASSWORD_FILE"

	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"

	defaultPrivateKeyRelativePath = "contraparty/key.hex"
	defaultPrivateKeyHintPath     = "~/.config/contraparty/key.hex"
)

// Origin names where a signing key was loaded from.
type Origin string

const (
	OriginFlag     Origin = "flag"
	OriginEnv      Origin = "env"
	OriginFile     Origin = "file"
	OriginKeystore Origin = "keystore"
)

// PasswordPrompt asks for a keystore password when none is configured.
type PasswordPrompt func(path string) (string, error)

// LocalSigner holds the wallet key in memory. It signs swap and approval
// transactions and the EIP-712 digests of CoW orders.
type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	origin     Origin
	path       string
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

// Origin reports where the key came from; empty for keys built in code.
func (s *LocalSigner) Origin() Origin { return s.origin }

// Describe is a log-safe summary: the address and the key's origin.
func (s *LocalSigner) Describe() string {
	if s == nil {
		return ""
	}
	desc := s.address.Hex()
	if s.origin != "" {
		desc += " via " + string(s.origin)
	}
	if s.path != "" {
		desc += " (" + s.path + ")"
	}
	return desc
}

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
}

func (s *LocalSigner) SignHash(hash []byte) ([]byte, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	if len(hash) != 32 {
		return nil, fmt.Errorf("sign hash: expected 32 bytes, got %d", len(hash))
	}
	return crypto.Sign(hash, s.privateKey)
}

func NewLocalSignerFromEnv(source string) (*LocalSigner, error) {
	return NewLocalSignerFromInputs(source, "", nil)
}

// NewLocalSignerFromInputs loads the key named by source. A non-empty
// privateKeyOverride (the --private-key flag) beats every configured source.
func NewLocalSignerFromInputs(source, privateKeyOverride string, prompt PasswordPrompt) (*LocalSigner, error) {
	cfg, err := configFromEnv(source)
	if err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(privateKeyOverride); v != "" {
		cfg = LocalSignerConfig{PrivateKeyHex: v, fromFlag: true}
	}
	cfg.Prompt = prompt
	return NewLocalSigner(cfg)
}

// configFromEnv reads the key variables and drops the ones the source
// excludes. auto keeps all of them and the first present wins, in the
// order hex key, key file, keystore.
func configFromEnv(source string) (LocalSignerConfig, error) {
	cfg := LocalSignerConfig{
		PrivateKeyHex:        strings.TrimSpace(os.Getenv(EnvPrivateKey)),
		PrivateKeyFile:       strings.TrimSpace(os.Getenv(EnvPrivateKeyFile)),
		KeystorePath:         strings.TrimSpace(os.Getenv(EnvKeystorePath)),
		KeystorePassword:     strings.TrimSpace(os.Getenv(EnvKeystorePassword)),
		KeystorePasswordFile: strings.TrimSpace(os.Getenv(EnvKeystorePasswordFile)),
	}
	if cfg.PrivateKeyFile == "" {
		cfg.PrivateKeyFile = discoverDefaultPrivateKeyFile()
	}

	switch strings.ToLower(strings.TrimSpace(source)) {
	case "", KeySourceAuto:
		return cfg, nil
	case KeySourceEnv:
		return LocalSignerConfig{PrivateKeyHex: cfg.PrivateKeyHex}, nil
	case KeySourceFile:
		return LocalSignerConfig{PrivateKeyFile: cfg.PrivateKeyFile}, nil
	case KeySourceKeystore:
		cfg.PrivateKeyHex = ""
		cfg.PrivateKeyFile = ""
		return cfg, nil
	default:
		return LocalSignerConfig{}, fmt.Errorf("unsupported key source %q (expected %s|%s|%s|%s)", source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore)
	}
}

type LocalSignerConfig struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
	Prompt               PasswordPrompt

	fromFlag bool
}

func NewLocalSigner(cfg LocalSignerConfig) (*LocalSigner, error) {
	switch {
	case strings.TrimSpace(cfg.PrivateKeyHex) != "":
		pk, err := parseHexKey(cfg.PrivateKeyHex)
		if err != nil {
			return nil, err
		}
		origin := OriginEnv
		if cfg.fromFlag {
			origin = OriginFlag
		}
		return fromKey(pk, origin, ""), nil
	case strings.TrimSpace(cfg.PrivateKeyFile) != "":
		buf, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		pk, err := parseHexKey(string(buf))
		if err != nil {
			return nil, err
		}
		return fromKey(pk, OriginFile, cfg.PrivateKeyFile), nil
	case strings.TrimSpace(cfg.KeystorePath) != "":
		pk, err := decryptKeystore(cfg)
		if err != nil {
			return nil, err
		}
		return fromKey(pk, OriginKeystore, cfg.KeystorePath), nil
	}
	return nil, fmt.Errorf("missing signing key: write it to %s, set %s, %s or %s, or pass --private-key",
		defaultPrivateKeyHintPath, EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath)
}

// NewLocalSignerFromHex builds a signer from a raw hex key.
func NewLocalSignerFromHex(raw string) (*LocalSigner, error) {
	pk, err := parseHexKey(raw)
	if err != nil {
		return nil, err
	}
	return fromKey(pk, "", ""), nil
}

func fromKey(pk *ecdsa.PrivateKey, origin Origin, path string) *LocalSigner {
	return &LocalSigner{
		privateKey: pk,
		address:    crypto.PubkeyToAddress(pk.PublicKey),
		origin:     origin,
		path:       path,
	}
}

func decryptKeystore(cfg LocalSignerConfig) (*ecdsa.PrivateKey, error) {
	password := cfg.KeystorePassword
	if strings.TrimSpace(password) == "" && strings.TrimSpace(cfg.KeystorePasswordFile) != "" {
		buf, err := os.ReadFile(cfg.KeystorePasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read keystore password file: %w", err)
		}
		password = strings.TrimSpace(string(buf))
	}
	if strings.TrimSpace(password) == "" && cfg.Prompt != nil {
		prompted, err := cfg.Prompt(cfg.KeystorePath)
		if err != nil {
			return nil, fmt.Errorf("read keystore password: %w", err)
		}
		password = prompted
	}
	if strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("keystore password is required (set %s or %s)", EnvKeystorePassword, EnvKeystorePasswordFile)
	}
	buf, err := os.ReadFile(cfg.KeystorePath)
	if err != nil {
		return nil, fmt.Errorf("read keystore file: %w", err)
	}
	key, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, fmt.Errorf("empty private key")
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return pk, nil
}

func defaultPrivateKeyPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, defaultPrivateKeyRelativePath)
}

func discoverDefaultPrivateKeyFile() string {
	path := defaultPrivateKeyPath()
	if path == "" {
		return ""
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	return path
}
