package models

import "fmt"

// Channel is the medium an application state was created through.
type Channel string

const (
	ChannelWeb       Channel = "web"
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelUSSD      Channel = "ussd"
	ChannelMobileApp Channel = "mobile_app"
	ChannelAdmin     Channel = "admin"
)

var channels = map[Channel]struct{}{
	ChannelWeb:       {},
	ChannelWhatsApp:  {},
	ChannelUSSD:      {},
	ChannelMobileApp: {},
	ChannelAdmin:     {},
}

// ParseChannel rejects anything outside the closed channel set.
func ParseChannel(raw string) (Channel, error) {
	c := Channel(raw)
	if _, ok := channels[c]; !ok {
		return "", fmt.Errorf("unknown channel %q", raw)
	}
	return c, nil
}

// IsClientFacing reports whether applicants can start sessions on c. Admin
// is only used for back-office decisions on existing states.
func (c Channel) IsClientFacing() bool {
	return c != ChannelAdmin
}

func (c Channel) String() string { return string(c) }
