// Package bridge runs one serial link between two key-value stores.
//
// An Engine owns two duties over a shared Link. The outbound duty consumes
// store changes under tx:<peer>:, encodes them, and writes them while the link
// is connected. Updates seen while it is not are held in a bounded pending
// queue and flushed on reconnect. The inbound duty reads frames, discards
// anything corrupt or malformed, and republishes the rest under
// rx:<peer>:<key>.
//
// Delivery is best effort. A frame whose write fails is dropped, never
// replayed, and a store failure on the receiving side drops the frame.
package bridge
