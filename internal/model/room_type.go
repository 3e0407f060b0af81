package model

import "strings"

// RoomType 房间类型
// 已知类型之外的字符串会原样保留，作为自定义类型
type RoomType string

const (
	RoomTypeRed     RoomType = "RED_ROOM"
	RoomTypeTwitter RoomType = "TWITTER_ROOM"
	RoomTypeWaifu   RoomType = "WAIFU_ROOM"
	RoomTypeQuant   RoomType = "QUANT_ROOM"
	RoomTypeSwarm   RoomType = "SWARM_ROOM"
	RoomTypeCustom  RoomType = "CUSTOM"
)

// RoomTypeInfo 房间类型展示信息
type RoomTypeInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ThemeColor  string `json:"themeColor"`
}

var roomTypeInfos = map[RoomType]RoomTypeInfo{
	RoomTypeRed:     {Name: "RED ROOM", Description: "Control Center", ThemeColor: "rose"},
	RoomTypeTwitter: {Name: "TWITTER ROOM", Description: "Twitter Agent", ThemeColor: "sky"},
	RoomTypeWaifu:   {Name: "WAIFU ROOM", Description: "Chat Agent", ThemeColor: "pink"},
	RoomTypeQuant:   {Name: "QUANT ROOM", Description: "Trading Agent", ThemeColor: "emerald"},
	RoomTypeSwarm:   {Name: "SWARM ROOM", Description: "Swarm Agent", ThemeColor: "amber"},
	RoomTypeCustom:  {Name: "CUSTOM", Description: "Custom Room", ThemeColor: "violet"},
}

// ParseRoomType 解析房间类型，大小写不敏感；空字符串视为 CUSTOM
func ParseRoomType(s string) RoomType {
	s = strings.TrimSpace(s)
	if s == "" {
		return RoomTypeCustom
	}
	upper := RoomType(strings.ToUpper(s))
	if _, ok := roomTypeInfos[upper]; ok {
		return upper
	}
	return RoomType(s)
}

// IsKnown 是否为预定义类型
func (t RoomType) IsKnown() bool {
	_, ok := roomTypeInfos[t]
	return ok
}

// Info 获取展示信息，自定义类型回落到 CUSTOM 的配色
func (t RoomType) Info() RoomTypeInfo {
	if info, ok := roomTypeInfos[t]; ok {
		return info
	}
	info := roomTypeInfos[RoomTypeCustom]
	info.Name = string(t)
	return info
}
