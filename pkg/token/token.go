package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// secretKey 存储调度器签名头所使用的密钥。
var secretKey []byte

// TriggerPayload 定义了调度器触发结算时需要被签名的数据结构。
// 它通过请求头传递：cadence来自路由，时间戳来自 X-Trigger-Timestamp。
type TriggerPayload struct {
	Cadence   string `json:"c"`
	Timestamp int64  `json:"t"`
}

// ConfigureSecretKey 在应用启动时设置共享密钥。
// 密钥为空时（仅允许出现在非生产配置）会生成一个随机密钥并打印警告，
// 此时外部调度器无法构造合法签名，只能通过进程内触发。
func ConfigureSecretKey(secret string) {
	if secret != "" {
		secretKey = []byte(secret)
		fmt.Println("调度器签名密钥已从配置加载。")
		return
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic("无法生成安全的密钥: " + err.Error())
	}
	secretKey = key
	fmt.Println("警告: 未配置调度器签名密钥，已生成随机密钥（外部调度器将无法通过验签）。")
}

// GenerateTriggerSignature 为一个给定的TriggerPayload生成HMAC签名。
// 返回签名的Base64编码字符串。
func GenerateTriggerSignature(payload TriggerPayload) (string, error) {
	// 1. 将payload序列化为JSON字符串
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", errors.New("无法序列化Trigger payload")
	}

	// 2. 使用HMAC-SHA256和密钥对payload进行签名
	mac := hmac.New(sha256.New, secretKey)
	mac.Write(payloadBytes)
	signature := mac.Sum(nil)

	// 3. 对签名进行Base64编码
	return base64.RawURLEncoding.EncodeToString(signature), nil
}

// ValidateTriggerSignature 验证一个给定的payload和签名是否匹配。
func ValidateTriggerSignature(payload TriggerPayload, signatureB64 string) bool {
	// 1. 将传入的payload重新序列化，以确保与签名时的数据格式完全一致
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return false
	}

	// 2. 重新计算预期的签名
	mac := hmac.New(sha256.New, secretKey)
	mac.Write(payloadBytes)
	expectedSignature := mac.Sum(nil)

	// 3. 解码调度器传来的签名
	actualSignature, err := base64.RawURLEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}

	// 4. 使用 hmac.Equal 进行时间恒定的比较，防止时序攻击
	return hmac.Equal(expectedSignature, actualSignature)
}
