package relay

import (
	"fmt"
	"strconv"
)

const (
	labelPopularity = "人气值"
	labelEntered    = "进入"
)

// FormatUser renders a speaker as "[badge level] name (uid)".
// Absent parts are left out.
func FormatUser(u User) string {
	s := u.Name
	if s == "" {
		s = u.AltName
	}
	if u.UID != 0 {
		s += " (" + strconv.FormatInt(u.UID, 10) + ")"
	}
	if u.Medal != nil && u.Medal.Name != "" {
		s = "[" + u.Medal.Name + " " + strconv.Itoa(u.Medal.Level) + "] " + s
	}
	return s
}

// coinName localizes the two known gift currencies.
func coinName(kind string) string {
	switch kind {
	case "gold":
		return "金"
	case "silver":
		return "银"
	default:
		return kind
	}
}

// Parts returns the display parts of ev, to be joined with single spaces.
// Popularity is rendered unconditionally; duplicate suppression is the
// Source's job.
func Parts(ev Event) []string {
	switch e := ev.(type) {
	case Popularity:
		return []string{labelPopularity, strconv.FormatInt(e.Value, 10)}
	case Danmaku:
		return []string{FormatUser(e.User) + ":\n" + e.Text}
	case Gift:
		return []string{FormatUser(e.User),
			fmt.Sprintf("赠送 %s x %d（%s瓜子 x %d）", e.GiftName, e.Num, coinName(e.CoinType), e.TotalCoin)}
	case GuardBuy:
		return []string{FormatUser(e.User), "购买 " + e.GiftName}
	case SuperChat:
		return []string{"SC ¥" + strconv.FormatInt(e.Price, 10) + "\n" + FormatUser(e.User) + "\n" + e.Message}
	case Entry:
		return []string{FormatUser(e.User), labelEntered}
	default:
		// Event is sealed; reaching this means a kind was added without a rendering.
		panic(fmt.Sprintf("relay: unhandled event kind %T", ev))
	}
}
