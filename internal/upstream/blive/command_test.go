package blive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liverelay/internal/relay"
)

func TestDecodeCommand(t *testing.T) {
	cases := []struct {
		name string
		body string
		want relay.Event
	}{
		{
			name: "danmaku with medal",
			body: `{"cmd":"DANMU_MSG","info":[[0,1,25],"hello",[42,"alice",0,0],[12,"fans","up",1]]}`,
			want: relay.Danmaku{
				User: relay.User{Name: "alice", UID: 42, Medal: &relay.Medal{Name: "fans", Level: 12}},
				Text: "hello",
			},
		},
		{
			name: "danmaku with flags suffix and no medal",
			body: `{"cmd":"DANMU_MSG:4:0:2:2:2:0","info":[[],"hi",[7,"bob"],[]]}`,
			want: relay.Danmaku{User: relay.User{Name: "bob", UID: 7}, Text: "hi"},
		},
		{
			name: "gift",
			body: `{"cmd":"SEND_GIFT","data":{"uid":"5","uname":"carol","giftName":"辣条","num":3,"coin_type":"silver","total_coin":300,"medal_info":{"medal_name":"","medal_level":0}}}`,
			want: relay.Gift{
				User:     relay.User{Name: "carol", UID: 5},
				GiftName: "辣条", Num: 3, CoinType: "silver", TotalCoin: 300,
			},
		},
		{
			name: "guard",
			body: `{"cmd":"GUARD_BUY","data":{"uid":9,"username":"dave","gift_name":"舰长"}}`,
			want: relay.GuardBuy{User: relay.User{AltName: "dave", UID: 9}, GiftName: "舰长"},
		},
		{
			name: "super chat",
			body: `{"cmd":"SUPER_CHAT_MESSAGE","data":{"uid":3,"price":30,"message":"gg","user_info":{"uname":"eve"},"medal_info":{"medal_name":"m","medal_level":"4"}}}`,
			want: relay.SuperChat{
				User:  relay.User{Name: "eve", UID: 3, Medal: &relay.Medal{Name: "m", Level: 4}},
				Price: 30, Message: "gg",
			},
		},
		{
			name: "entry",
			body: `{"cmd":"INTERACT_WORD","data":{"uid":11,"uname":"frank","fans_medal":{"medal_name":"x","medal_level":2}}}`,
			want: relay.Entry{User: relay.User{Name: "frank", UID: 11, Medal: &relay.Medal{Name: "x", Level: 2}}},
		},
		{
			name: "unmodelled",
			body: `{"cmd":"ONLINE_RANK_COUNT","data":{"count":1}}`,
			want: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeCommand([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeCommandErrors(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"cmd":"DANMU_MSG","info":[1]}`,
		`{"cmd":"DANMU_MSG","info":[[],42,[1,"a"]]}`,
		`{"cmd":"SEND_GIFT","data":[]}`,
	} {
		_, err := DecodeCommand([]byte(body))
		assert.Error(t, err, body)
	}
}

func TestDecodedDanmakuRenders(t *testing.T) {
	ev, err := DecodeCommand([]byte(`{"cmd":"DANMU_MSG","info":[[],"hi",[0,"x"],[]]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"x:\nhi"}, relay.Parts(ev))
}
