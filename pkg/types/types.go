// Package types 定義了 procpool 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// WorkerType 工作進程的角色
type WorkerType string

// 定義角色常數
const (
	WorkerTypeService WorkerType = "service" // 長駐服務
	WorkerTypeReactor WorkerType = "reactor" // 接收外部連線（透過 socket transfer 取得 listener）
	WorkerTypeJob     WorkerType = "job"     // 處理 job IPC 派送的任務
)

// Valid reports whether t is one of the known worker types.
func (t WorkerType) Valid() bool {
	switch t {
	case WorkerTypeService, WorkerTypeReactor, WorkerTypeJob:
		return true
	}
	return false
}

// WorkerGroup 工作群組定義，DescribeGroup 之後不可再修改
type WorkerGroup struct {
	ID            int               `json:"id" yaml:"id" cbor:"1,keyasint"`                                            // 群組 ID，由 Pool 指派
	Name          string            `json:"name" yaml:"name" cbor:"2,keyasint,omitempty"`                              // 顯示名稱
	Type          WorkerType        `json:"type" yaml:"type" cbor:"3,keyasint"`                                        // 角色
	EntryPoint    string            `json:"entry_point" yaml:"entry_point" cbor:"4,keyasint,omitempty"`                // 入口點識別字
	MinWorkers    int               `json:"min_workers" yaml:"min_workers" cbor:"5,keyasint"`                          // 啟動時建立的進程數
	MaxWorkers    int               `json:"max_workers" yaml:"max_workers" cbor:"6,keyasint"`                          // 保留的 worker id 數量
	JobGroups     []int             `json:"job_groups,omitempty" yaml:"job_groups" cbor:"7,keyasint,omitempty"`        // 可以派送任務的目標群組
	RestartPolicy string            `json:"restart_policy,omitempty" yaml:"restart_policy" cbor:"8,keyasint,omitempty"` // 重啟策略識別字
	JobRunner     string            `json:"job_runner,omitempty" yaml:"job_runner" cbor:"9,keyasint,omitempty"`        // 任務執行器識別字
	Options       map[string]string `json:"options,omitempty" yaml:"options" cbor:"10,keyasint,omitempty"`             // 入口點自訂設定
}

// DisplayName returns the configured name or a generated one.
func (g WorkerGroup) DisplayName() string {
	if g.Name != "" {
		return g.Name
	}
	return fmt.Sprintf("group-%d", g.ID)
}

// RunsJobs reports whether workers of this group accept jobs over job IPC.
func (g WorkerGroup) RunsJobs() bool {
	return g.Type == WorkerTypeJob || g.JobRunner != ""
}

// JobRequest 經由 job IPC 傳送的任務請求
type JobRequest struct {
	JobID         uint64 `json:"job_id"`          // 在提交端唯一
	FromWorkerID  int    `json:"from_worker_id"`  // 提交者的 worker ID（supervisor 為 0）
	WorkerGroupID int    `json:"worker_group_id"` // 目標群組
	Priority      int    `json:"priority"`        // 數字越大越優先
	Payload       []byte `json:"payload"`         // 任務資料，由 runner 自行解讀
}

// JobResponse 任務回應，Error 非空代表 runner 執行失敗
type JobResponse struct {
	JobID         uint64 `json:"job_id"`
	FromWorkerID  int    `json:"from_worker_id"`
	WorkerGroupID int    `json:"worker_group_id"`
	Payload       []byte `json:"payload,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Failed reports whether the response carries error info instead of a result.
func (r JobResponse) Failed() bool {
	return r.Error != ""
}

// ExitReason 工作進程結束的原因
type ExitReason int

const (
	ExitClean       ExitReason = iota // 入口點正常返回
	ExitCancelled                     // supervisor 主動關閉
	ExitChannelLost                   // 控制通道中斷
	ExitFatal                         // 不可恢復的錯誤
	ExitPanic                         // 進程崩潰
)

func (r ExitReason) String() string {
	switch r {
	case ExitClean:
		return "clean"
	case ExitCancelled:
		return "cancelled"
	case ExitChannelLost:
		return "channel_lost"
	case ExitFatal:
		return "fatal"
	case ExitPanic:
		return "panic"
	}
	return fmt.Sprintf("exit_reason(%d)", int(r))
}

// StartPayload supervisor 啟動工作進程後送出的第一個控制訊息
type StartPayload struct {
	ID                int           `cbor:"1,keyasint"`           // worker ID
	URI               string        `cbor:"2,keyasint"`           // socket transfer hub 位址
	Key               string        `cbor:"3,keyasint"`           // hub 握手金鑰
	Type              WorkerType    `cbor:"4,keyasint"`           // 角色
	EntryPoint        string        `cbor:"5,keyasint"`           // 入口點識別字
	GroupID           int           `cbor:"6,keyasint"`           // 所屬群組
	Groups            []WorkerGroup `cbor:"7,keyasint,omitempty"` // 完整的群組列表
	StatePath         string        `cbor:"8,keyasint"`           // 共享狀態檔案
	RunDir            string        `cbor:"9,keyasint"`           // job socket 所在目錄
	HeartbeatInterval time.Duration `cbor:"10,keyasint"`          // 心跳間隔
}

// Group returns the group definition for the given id from the payload's scheme.
func (p StartPayload) Group(id int) (WorkerGroup, bool) {
	for _, g := range p.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return WorkerGroup{}, false
}
