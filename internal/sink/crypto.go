package sink

import (
	"crypto/rand"
	"encoding/base64"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
)

// recordCipher 日志记录的静态加密
// AFT结果携带金额信息，落盘前用ChaCha20-Poly1305加密，
// 密钥由口令经Argon2id派生，盐随机生成并保存在日志旁。
type recordCipher struct {
	key []byte
}

// newRecordCipher 从口令派生记录加密器
// 盐保存在saltPath，首次创建时随机生成。
func newRecordCipher(passphrase, saltPath string) (*recordCipher, error) {
	salt, err := loadOrCreateSalt(saltPath)
	if err != nil {
		return nil, err
	}

	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
	return &recordCipher{key: key}, nil
}

// loadOrCreateSalt 读取或生成密钥派生盐
func loadOrCreateSalt(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		salt, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil || len(salt) != 16 {
			return nil, agenterrors.New(agenterrors.JournalCorrupt, "盐文件内容无效")
		}
		return salt, nil
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.StoreWriteFailed, "生成盐")
	}
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(salt)), 0600); err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.StoreWriteFailed, "保存盐文件")
	}
	return salt, nil
}

// seal 加密负载，随机nonce前置
func (c *recordCipher) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.StoreWriteFailed, "初始化加密器")
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.StoreWriteFailed, "生成nonce")
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open 解密负载
func (c *recordCipher) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(c.key)
	if err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.JournalCorrupt, "初始化解密器")
	}
	if len(sealed) < aead.NonceSize() {
		return nil, agenterrors.New(agenterrors.JournalCorrupt, "密文长度不足")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.JournalCorrupt, "解密失败")
	}
	return plaintext, nil
}
