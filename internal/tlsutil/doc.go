// Package tlsutil 提供统一的 TLS 配置（TLS 1.2+，仅 AEAD 密码套件），
// 用于训练后端 HTTP 客户端与 Redis 任务存储连接。
package tlsutil
