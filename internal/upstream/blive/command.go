package blive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"liverelay/internal/relay"
)

// flexInt accepts both JSON numbers and numeric strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	if n, err := strconv.ParseInt(string(b), 10, 64); err == nil {
		*f = flexInt(n)
		return nil
	}
	n, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

type medalInfo struct {
	MedalName  string  `json:"medal_name"`
	MedalLevel flexInt `json:"medal_level"`
}

func (m *medalInfo) medal() *relay.Medal {
	if m == nil || m.MedalName == "" {
		return nil
	}
	return &relay.Medal{Name: m.MedalName, Level: int(m.MedalLevel)}
}

type envelope struct {
	Cmd  string          `json:"cmd"`
	Info json.RawMessage `json:"info"`
	Data json.RawMessage `json:"data"`
}

type giftData struct {
	UID       flexInt    `json:"uid"`
	Uname     string     `json:"uname"`
	GiftName  string     `json:"giftName"`
	Num       flexInt    `json:"num"`
	CoinType  string     `json:"coin_type"`
	TotalCoin flexInt    `json:"total_coin"`
	MedalInfo *medalInfo `json:"medal_info"`
}

type guardData struct {
	UID      flexInt `json:"uid"`
	Username string  `json:"username"`
	GiftName string  `json:"gift_name"`
}

type superChatData struct {
	UID      flexInt `json:"uid"`
	Price    flexInt `json:"price"`
	Message  string  `json:"message"`
	UserInfo struct {
		Uname string `json:"uname"`
	} `json:"user_info"`
	MedalInfo *medalInfo `json:"medal_info"`
}

type interactData struct {
	UID       flexInt    `json:"uid"`
	Uname     string     `json:"uname"`
	FansMedal *medalInfo `json:"fans_medal"`
}

// DecodeCommand maps one command body to an event.
// Commands the relay does not model yield (nil, nil).
func DecodeCommand(body []byte) (relay.Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("blive: command: %w", err)
	}
	// Newer servers append flags: "DANMU_MSG:4:0:2:2:2:0".
	cmd, _, _ := strings.Cut(env.Cmd, ":")

	switch cmd {
	case "DANMU_MSG":
		return decodeDanmaku(env.Info)
	case "SEND_GIFT":
		var d giftData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("blive: %s: %w", cmd, err)
		}
		return relay.Gift{
			User:      relay.User{Name: d.Uname, UID: int64(d.UID), Medal: d.MedalInfo.medal()},
			GiftName:  d.GiftName,
			Num:       int(d.Num),
			CoinType:  d.CoinType,
			TotalCoin: int64(d.TotalCoin),
		}, nil
	case "GUARD_BUY":
		var d guardData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("blive: %s: %w", cmd, err)
		}
		return relay.GuardBuy{
			User:     relay.User{AltName: d.Username, UID: int64(d.UID)},
			GiftName: d.GiftName,
		}, nil
	case "SUPER_CHAT_MESSAGE":
		var d superChatData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("blive: %s: %w", cmd, err)
		}
		return relay.SuperChat{
			User:    relay.User{Name: d.UserInfo.Uname, UID: int64(d.UID), Medal: d.MedalInfo.medal()},
			Price:   int64(d.Price),
			Message: d.Message,
		}, nil
	case "INTERACT_WORD":
		var d interactData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("blive: %s: %w", cmd, err)
		}
		return relay.Entry{
			User: relay.User{Name: d.Uname, UID: int64(d.UID), Medal: d.FansMedal.medal()},
		}, nil
	default:
		return nil, nil
	}
}

// decodeDanmaku reads the positional "info" array:
// info[1] text, info[2] [uid, uname, ...], info[3] [medal level, medal name, ...].
func decodeDanmaku(raw json.RawMessage) (relay.Event, error) {
	var info []json.RawMessage
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("blive: DANMU_MSG: %w", err)
	}
	if len(info) < 3 {
		return nil, fmt.Errorf("blive: DANMU_MSG: info has %d fields", len(info))
	}
	var ev relay.Danmaku
	if err := json.Unmarshal(info[1], &ev.Text); err != nil {
		return nil, fmt.Errorf("blive: DANMU_MSG text: %w", err)
	}

	var user []json.RawMessage
	if err := json.Unmarshal(info[2], &user); err != nil {
		return nil, fmt.Errorf("blive: DANMU_MSG user: %w", err)
	}
	if len(user) > 0 {
		var uid flexInt
		if json.Unmarshal(user[0], &uid) == nil {
			ev.User.UID = int64(uid)
		}
	}
	if len(user) > 1 {
		_ = json.Unmarshal(user[1], &ev.User.Name)
	}

	if len(info) > 3 {
		var medal []json.RawMessage
		if json.Unmarshal(info[3], &medal) == nil && len(medal) >= 2 {
			var (
				level flexInt
				name  string
			)
			if json.Unmarshal(medal[0], &level) == nil && json.Unmarshal(medal[1], &name) == nil && name != "" {
				ev.User.Medal = &relay.Medal{Name: name, Level: int(level)}
			}
		}
	}
	return ev, nil
}
