package models

// ControlPlaneKeyHeader 编排器访问工作机控制面时携带共享密钥的请求头
const ControlPlaneKeyHeader = "X-ORCHASTRATOR_KEY"

// Worker 舰队中的一台工作机
type Worker struct {
	ID      string `json:"id"`
	Address string `json:"address"` // 空字符串表示地址未知
}

// HasAddress 地址是否已知
func (w Worker) HasAddress() bool {
	return w.Address != ""
}

// Container 工作机上运行的用户容器
type Container struct {
	UserID      string `json:"user_id"`
	ContainerID string `json:"container_id"`
	Port        int    `json:"port"`
}

// ContainerReport 控制面 /report 的响应
type ContainerReport struct {
	Count      int         `json:"count"`
	Containers []Container `json:"containers"`
}

// StartRequest 控制面 /start 的请求体
type StartRequest struct {
	UserID string `json:"user_id"`
}

// StartResponse 控制面 /start 的响应
type StartResponse struct {
	URL string `json:"url"`
}
