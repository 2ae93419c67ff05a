package realtime

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// sessionKeyContext 会话密钥派生上下文
//
// 固定写入 HKDF info，连同双方握手公钥一起绑定会话密钥，
// 保证即使原始共享密钥相同，不同上下文派生出的密钥也不会重合。
const sessionKeyContext = "realtime/session/v1"

const (
	sessionKeySize = 32
	saltSize       = 16
)

// HandshakeResult 握手回调结果
type HandshakeResult struct {
	// ServerPublicKey 服务端握手公钥
	ServerPublicKey []byte

	// ClientPublicKey 客户端握手公钥
	ClientPublicKey []byte

	// Salt 密钥派生盐值
	Salt []byte

	// SharedSecret 原始共享密钥，派生会话密钥后即被清零
	SharedSecret []byte
}

// handshakePayload 认证载荷中携带的客户端握手参数
type handshakePayload struct {
	PublicKey string `json:"public_key"`
}

// NewX25519Handshake 创建基于 X25519 的默认握手实现
//
// 从认证载荷的 public_key 字段（base64）读取客户端公钥，
// 为每条连接生成独立的服务端密钥对并完成 ECDH。
func NewX25519Handshake() HandshakeFunc {
	return func(ctx context.Context, connID, userID string, payload json.RawMessage) (*HandshakeResult, error) {
		var hp handshakePayload
		if err := json.Unmarshal(payload, &hp); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		clientPub, err := base64.StdEncoding.DecodeString(hp.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		if len(clientPub) != curve25519.ScalarSize {
			return nil, ErrInvalidPublicKey
		}

		priv := make([]byte, curve25519.ScalarSize)
		if _, err := io.ReadFull(rand.Reader, priv); err != nil {
			return nil, fmt.Errorf("generate private key: %w", err)
		}
		defer zeroBytes(priv)

		serverPub, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return nil, fmt.Errorf("derive public key: %w", err)
		}
		shared, err := curve25519.X25519(priv, clientPub)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
		}

		salt := make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			zeroBytes(shared)
			return nil, fmt.Errorf("generate salt: %w", err)
		}

		return &HandshakeResult{
			ServerPublicKey: serverPub,
			ClientPublicKey: clientPub,
			Salt:            salt,
			SharedSecret:    shared,
		}, nil
	}
}

// deriveSessionKey 派生会话密钥
//
// HKDF-SHA256(共享密钥, 盐值, 上下文 || 客户端公钥 || 服务端公钥)，
// 双方握手值共同参与派生。
func deriveSessionKey(shared, salt, clientPub, serverPub []byte) ([]byte, error) {
	info := make([]byte, 0, len(sessionKeyContext)+len(clientPub)+len(serverPub))
	info = append(info, sessionKeyContext...)
	info = append(info, clientPub...)
	info = append(info, serverPub...)

	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, info), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// EncryptedPayload 加密载荷，base64 编码后随封包传输
type EncryptedPayload struct {
	// Nonce 随机数（base64）
	Nonce string `json:"nonce"`

	// Ciphertext 密文（base64）
	Ciphertext string `json:"ciphertext"`
}

// sessionCipher 会话加密器，AES-256-GCM
type sessionCipher struct {
	aead cipher.AEAD
}

// newSessionCipher 创建会话加密器，key 在内部复制后可由调用方清零
func newSessionCipher(key []byte) (*sessionCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &sessionCipher{aead: aead}, nil
}

// Encrypt 加密明文
func (s *sessionCipher) Encrypt(plaintext []byte) (*EncryptedPayload, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := s.aead.Seal(nil, nonce, plaintext, nil)
	return &EncryptedPayload{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt 解密载荷，密文被篡改时返回错误而非损坏数据
func (s *sessionCipher) Decrypt(payload *EncryptedPayload) ([]byte, error) {
	if payload == nil {
		return nil, ErrDecryptionFailed
	}
	nonce, err := base64.StdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: decode nonce: %v", ErrDecryptionFailed, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decode ciphertext: %v", ErrDecryptionFailed, err)
	}
	if len(nonce) != s.aead.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce size", ErrDecryptionFailed)
	}
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
