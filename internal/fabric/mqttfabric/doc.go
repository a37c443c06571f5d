// Package mqttfabric is a [fabric.Middleware] that publishes over MQTT.
//
// Each node owns one broker connection managed by Eclipse Paho v2's
// [autopaho] package, which reconnects automatically. Topics are laid
// out per domain so graphs on different domains never see each other:
//
//	<prefix>/<domain>/<topic>                        message payloads
//	<prefix>/<domain>/nodes/<node>/availability      "online" / "offline" (retained)
//	<prefix>/<domain>/graph/<node>/<topic>           publisher advert (retained JSON)
//
// On every (re-)connect the node publishes a birth message and repeats
// the adverts of its live publishers. A will message flips availability
// to "offline" on unexpected disconnects. Closing a publisher clears its
// retained advert.
package mqttfabric
