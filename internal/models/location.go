package models

import "time"

// BusStatus 车辆运行状态
type BusStatus string

const (
	StatusEnroute BusStatus = "enroute" // 行驶中
	StatusStopped BusStatus = "stopped" // 停车（可附带故障描述）
)

// Valid 是否为已知状态
func (s BusStatus) Valid() bool {
	return s == StatusEnroute || s == StatusStopped
}

// BusLocation 单辆车的一次位置上报
type BusLocation struct {
	BusID     string    `json:"bus_id" bson:"bus_id" db:"bus_id" validate:"required"`
	Latitude  float64   `json:"latitude" bson:"latitude" db:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64   `json:"longitude" bson:"longitude" db:"longitude" validate:"gte=-180,lte=180"`
	Timestamp int64     `json:"timestamp" bson:"timestamp" db:"timestamp" validate:"gt=0"` // 上报端观测时间 (ms)
	Status    BusStatus `json:"status" bson:"status" db:"status" validate:"required,oneof=enroute stopped"`
	Issue     string    `json:"issue" bson:"issue" db:"issue" validate:"max=500"` // 仅 stopped 时有意义
	CreatedAt time.Time `json:"createdAt" bson:"created_at" db:"created_at"`     // 服务端写入时间，仅用于过期
}

// ObservedAt 上报端观测时间
func (l *BusLocation) ObservedAt() time.Time {
	return time.UnixMilli(l.Timestamp)
}

// Normalize 清理与状态无关的字段
func (l *BusLocation) Normalize() {
	if l.Status != StatusStopped {
		l.Issue = ""
	}
}

// MsgTypeUpdate 广播消息类型
const MsgTypeUpdate = "update"

// Update 广播给观察端的消息
type Update struct {
	Type string       `json:"type"`
	Data *BusLocation `json:"data"`
}

// NewUpdate 构造位置更新消息
func NewUpdate(loc *BusLocation) Update {
	return Update{Type: MsgTypeUpdate, Data: loc}
}
