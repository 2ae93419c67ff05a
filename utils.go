package realtime

import "github.com/google/uuid"

// generateConnID 生成连接 ID
func generateConnID() string {
	return "conn_" + uuid.NewString()
}

// generateServerID 生成服务实例 ID
func generateServerID() string {
	return "srv_" + uuid.NewString()
}

// zeroBytes 清零敏感字节，避免密钥材料残留
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
