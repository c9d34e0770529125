// Package event defines the envelope carried on the bus, event name
// normalization, and the static table of payload models.
//
// An envelope is a flat JSON object: the reserved fields (event, uuid,
// chain_uuid, parent_uuid, source, desc, version) sit next to the payload
// fields. Envelopes are serialized in canonical JSON so identical events
// produce identical bytes.
package event
