package mqtt

import "fmt"

// Topic prefixes for the FleetLab bus.
//
// Two broadcast channels fan out canonical device events: one toward
// front-end/API consumers (app) and one toward device-provider processes
// (provider). Addressed delivery to a single provider uses that provider's
// cmd topic. Change notifications from the persistence collaborator arrive
// on the changes hierarchy.
const (
	// TopicPrefix is the base for all FleetLab topics.
	TopicPrefix = "fleetlab"

	// TopicPrefixApp is the base for front-end/API consumer topics.
	TopicPrefixApp = "fleetlab/app"

	// TopicPrefixProvider is the base for device-provider topics.
	TopicPrefixProvider = "fleetlab/provider"

	// TopicPrefixChanges is the base for persistence change notifications.
	TopicPrefixChanges = "fleetlab/changes"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "fleetlab/system"
)

// Topics provides builders for FleetLab MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cmd := topics.ProviderCommand("provider-eu-1")
//	// Returns: "fleetlab/provider/provider-eu-1/cmd"
type Topics struct{}

// AppEvents returns the front-end broadcast topic. Every canonical device
// event is published here in full, as JSON.
//
// Example: fleetlab/app/event
func (Topics) AppEvents() string {
	return fmt.Sprintf("%s/event", TopicPrefixApp)
}

// ProviderEvents returns the provider broadcast topic.
//
// Example: fleetlab/provider/event
func (Topics) ProviderEvents() string {
	return fmt.Sprintf("%s/event", TopicPrefixProvider)
}

// ProviderCommand returns the addressed command topic for one provider.
// Messages here instruct that provider to attach/detach a device or revoke
// a session token.
//
// Example: fleetlab/provider/provider-eu-1/cmd
func (Topics) ProviderCommand(providerID string) string {
	return fmt.Sprintf("%s/%s/cmd", TopicPrefixProvider, providerID)
}

// ProviderStatus returns the status topic for one provider. Providers
// publish retained online/offline payloads here, with an offline LWT.
//
// Example: fleetlab/provider/provider-eu-1/status
func (Topics) ProviderStatus(providerID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixProvider, providerID)
}

// Changes returns the change-notification topic for a collection.
//
// Example: fleetlab/changes/device
func (Topics) Changes(collection string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixChanges, collection)
}

// SystemStatus returns the core status topic (online/offline, LWT).
//
// Example: fleetlab/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllProviderStatus returns a pattern matching every provider status topic.
//
// Pattern: fleetlab/provider/+/status
func (Topics) AllProviderStatus() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixProvider)
}

// AllChanges returns a pattern matching every change-notification topic.
//
// Pattern: fleetlab/changes/+
func (Topics) AllChanges() string {
	return fmt.Sprintf("%s/+", TopicPrefixChanges)
}

// AllTopics returns a pattern matching all FleetLab topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: fleetlab/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}
