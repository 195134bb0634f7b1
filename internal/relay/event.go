package relay

// Event is one normalized upstream event.
//
// The set of kinds is closed: only the types in this file implement it.
type Event interface {
	Kind() string
	event()
}

// Medal is a fan badge shown in front of a user name.
type Medal struct {
	Name  string
	Level int
}

// User holds the optional identity fields of a speaker.
// Empty strings, a zero UID and a nil Medal mean "absent".
type User struct {
	Name    string
	AltName string
	UID     int64
	Medal   *Medal
}

// Popularity is the room population counter carried by heartbeats.
type Popularity struct {
	Value int64
}

// Danmaku is a chat message.
type Danmaku struct {
	User User
	Text string
}

// Gift is a gift sent with a coin currency.
type Gift struct {
	User      User
	GiftName  string
	Num       int
	CoinType  string
	TotalCoin int64
}

// GuardBuy is a paid membership purchase.
type GuardBuy struct {
	User     User
	GiftName string
}

// SuperChat is a paid highlighted message.
type SuperChat struct {
	User    User
	Price   int64
	Message string
}

// Entry is a user entering the room.
type Entry struct {
	User User
}

func (Popularity) Kind() string { return "popularity" }
func (Danmaku) Kind() string    { return "danmaku" }
func (Gift) Kind() string       { return "gift" }
func (GuardBuy) Kind() string   { return "guard_buy" }
func (SuperChat) Kind() string  { return "super_chat" }
func (Entry) Kind() string      { return "entry" }

func (Popularity) event() {}
func (Danmaku) event()    {}
func (Gift) event()       {}
func (GuardBuy) event()   {}
func (SuperChat) event()  {}
func (Entry) event()      {}
