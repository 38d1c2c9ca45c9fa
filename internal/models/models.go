package models

import "time"

type User struct {
	ID           uint   `gorm:"primaryKey"`
	PublicID     string `gorm:"uniqueIndex;size:64;not null"`
	Username     string `gorm:"size:64;not null"`
	Email        string `gorm:"uniqueIndex;size:255;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity 是 token subject 解析出的用户档案，握手成功后绑定到连接上。
type Identity struct {
	PublicID    string `json:"public_id"`
	DisplayName string `json:"username"`
	Email       string `json:"email"`
}

// Message 是房间内的一条聊天记录；房间没有独立的表，只以名字出现。
type Message struct {
	ID                uint      `gorm:"primaryKey"`
	Room              string    `gorm:"index:idx_msg_room_id,priority:1;size:128;not null"`
	SenderPublicID    string    `gorm:"index;size:64;not null"`
	SenderDisplayName string    `gorm:"size:64"`
	Body              string    `gorm:"type:text;not null"`
	CreatedAt         time.Time `gorm:"index:idx_msg_room_id,priority:2"`
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
