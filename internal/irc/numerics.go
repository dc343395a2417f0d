package irc

// Numeric reply codes used by the adapter, per spec.md §6's enumerated
// subset of RFC 2812.
const (
	RPL_WELCOME     = "001"
	RPL_YOURHOST    = "002"
	RPL_CREATED     = "003"
	RPL_MYINFO      = "004"

	RPL_WHOISUSER   = "311"
	RPL_WHOISSERVER = "312"
	RPL_ENDOFWHO    = "315"
	RPL_WHOISIDLE   = "317"
	RPL_ENDOFWHOIS  = "318"
	RPL_WHOISCHANNELS = "319"

	RPL_LIST        = "322"
	RPL_LISTSTART   = "321"
	RPL_LISTEND     = "323"

	RPL_TOPIC       = "332"
	RPL_NOTOPIC     = "331"

	RPL_WHOREPLY    = "352"
	RPL_NAMREPLY    = "353"
	RPL_ENDOFNAMES  = "366"

	RPL_MOTDSTART   = "375"
	RPL_MOTD        = "372"
	RPL_ENDOFMOTD   = "376"

	ERR_NOSUCHNICK    = "401"
	ERR_NOSUCHCHANNEL = "403"
	ERR_NOTONCHANNEL  = "442"
	ERR_UNKNOWNCOMMAND = "421"
)

// nickServPrefix is the fixed identity used for login-flow notices,
// per spec.md §4.6. It is not configurable: the original source hard
// codes it and nothing in the spec calls for making it one.
const nickServPrefix = "NickServ!NickServ@services"
