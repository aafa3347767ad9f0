// Package entity 定义领域实体
package entity

// NarrativeRole 分段叙事角色
type NarrativeRole string

const (
	RoleHook         NarrativeRole = "hook"
	RoleBody         NarrativeRole = "body"
	RoleClimax       NarrativeRole = "climax"
	RoleCallToAction NarrativeRole = "call_to_action"
)

// ContentPoint 原子内容要点，生命周期内只归属一个分段
type ContentPoint struct {
	Text string `json:"text"`
}

// OutlineSection 大纲分段
type OutlineSection struct {
	Index           int            `json:"index"`
	Title           string         `json:"title"`
	Role            NarrativeRole  `json:"role"`
	TargetWordCount int            `json:"target_word_count"`
	ContentPoints   []ContentPoint `json:"content_points,omitempty"`
}

// Outline 内容大纲：将全部要点严格划分到各分段
type Outline struct {
	Sections []OutlineSection `json:"sections"`
	// Fallback 标记大纲来自程序化均分兜底而非 AI 规划
	Fallback bool `json:"fallback,omitempty"`
}

// TotalTargetWords 各分段目标字数之和
func (o *Outline) TotalTargetWords() int {
	sum := 0
	for i := range o.Sections {
		sum += o.Sections[i].TargetWordCount
	}
	return sum
}

// SectionCount 分段数量
func (o *Outline) SectionCount() int {
	return len(o.Sections)
}

// AllContentPoints 按分段顺序收集全部内容要点
func (o *Outline) AllContentPoints() []ContentPoint {
	var points []ContentPoint
	for i := range o.Sections {
		points = append(points, o.Sections[i].ContentPoints...)
	}
	return points
}
