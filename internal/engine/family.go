package engine

// Family names a worker's traffic family. It is richer than
// mixtypes.OfType (the four-value wire type): DELAY and the two
// challenger families never appear on the wire, and PAYLOAD/CHALLENGE_*
// packets are synthesised with wire type DROP (spec.md §4.3 send_packet:
// "PAYLOAD/CHALLENGE_* synthesise as DROP type but CHALLENGE_k sets
// dist=e_k").
type Family string

const (
	FamilyLoop       Family = "LOOP"
	FamilyDrop       Family = "DROP"
	FamilyPayload    Family = "PAYLOAD"
	FamilyLoopMix    Family = "LOOP_MIX"
	FamilyDelay      Family = "DELAY"
	FamilyChallenge0 Family = "CHALLENGE_0"
	FamilyChallenge1 Family = "CHALLENGE_1"
)

// DecoyFamilies are the four families driven by decoy_worker.
var DecoyFamilies = []Family{FamilyLoop, FamilyDrop, FamilyPayload, FamilyLoopMix}
