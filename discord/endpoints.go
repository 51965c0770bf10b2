package discord

const (
	// APIVersion we will use from discord
	APIVersion = "10"

	// EndpointDiscord denotes the base URL for all api requests
	EndpointDiscord = "https://discord.com/"

	// EndpointAPI is the url subset for getting the actual API base url
	EndpointAPI = EndpointDiscord + "api/v" + APIVersion + "/"

	// EndpointInteractions receives slash commands and component clicks
	EndpointInteractions = EndpointAPI + "interactions"

	// EndpointCurrentUser returns the user the token belongs to
	EndpointCurrentUser = EndpointAPI + "users/@me"

	// EndpointGateway is the websocket URL all sessions connect to
	EndpointGateway = "wss://gateway.discord.gg/?v=" + APIVersion + "&encoding=json"
)

// EndpointChannel returns the URL for a single channel.
func EndpointChannel(channelID string) string {
	return EndpointAPI + "channels/" + channelID
}

// EndpointChannelMessages returns the URL for listing channel messages.
func EndpointChannelMessages(channelID string) string {
	return EndpointAPI + "channels/" + channelID + "/messages"
}

// EndpointChannelMessage returns the URL for a single message lookup.
func EndpointChannelMessage(channelID, messageID string) string {
	return EndpointAPI + "channels/" + channelID + "/messages/" + messageID
}

// EndpointApplicationCommands returns the URL for an application's
// global slash commands.
func EndpointApplicationCommands(applicationID string) string {
	return EndpointAPI + "applications/" + applicationID + "/commands"
}

// Midjourney application constants. The command id and version are the
// known-working fallbacks used when the live command lookup fails.
const (
	MidjourneyApplicationID = "936929561302675456"
	MidjourneyBotID         = "936929561302675456"

	ImagineCommandName    = "imagine"
	ImagineCommandID      = "938956540159881230"
	ImagineCommandVersion = "1166847114203123795"
)
