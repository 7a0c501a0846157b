package pipeline

import "github.com/google/uuid"

// State 会话所处的推理阶段
type State int

const (
	StateIdle           State = iota // 空闲
	StateEncoding                    // 正在提取图片特征
	StateAwaitingPrompt              // 图片特征已就绪，等待提示编码
	StateDecoding                    // 正在解码 Mask
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEncoding:
		return "encoding"
	case StateAwaitingPrompt:
		return "awaiting_prompt"
	case StateDecoding:
		return "decoding"
	}
	return "unknown"
}

// EventKind 事件类型
type EventKind int

const (
	EventStateChanged         EventKind = iota // 状态变化
	EventSegmentation                          // 草稿分割结果更新
	EventPassFailed                            // 推理失败
	EventCommitted                             // 草稿已提交
	EventSegmentationUpdated                   // 已提交的分割被修改
	EventSegmentationDeleted                   // 已提交的分割被删除
	EventPromptsCleared                        // 提示点被清空
	EventImageChanged                          // 原图被替换
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state"
	case EventSegmentation:
		return "segmentation"
	case EventPassFailed:
		return "pass_failed"
	case EventCommitted:
		return "committed"
	case EventSegmentationUpdated:
		return "segmentation_updated"
	case EventSegmentationDeleted:
		return "segmentation_deleted"
	case EventPromptsCleared:
		return "prompts_cleared"
	case EventImageChanged:
		return "image_changed"
	}
	return "unknown"
}

// Event 会话向订阅者广播的事件
type Event struct {
	Kind         EventKind
	SessionID    uuid.UUID
	Seq          uint64
	State        State
	Segmentation *Segmentation // 副本，可能为空
	Err          error
}
