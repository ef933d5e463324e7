package dot11s

// mbca.go holds the mesh beacon collision avoidance computations.  A station learns from
// its neighbors' beacon timing elements when the neighbors of its neighbors transmit their
// beacons.  If one of them is due at exactly the time the station's own next beacon is due,
// and beacons at the same interval, the two would collide at every interval from then on,
// so the station moves its next beacon by a random number of time units.
//
// The computations draw on an explicitly supplied RandomSource, so that a run seeded the
// same way always shifts the same way.

import (
	"github.com/iti/rngstream"
)

// RandomSource supplies uniform variates on (0,1).  *rngstream.RngStream satisfies it.
type RandomSource interface {
	RandU01() float64
}

// CreateRandomSource returns the named random stream
func CreateRandomSource(name string) RandomSource {
	return rngstream.New(name)
}

// randInt draws an integer uniformly from [lo, hi]
func randInt(rs RandomSource, lo, hi int) int {
	v := lo + int(rs.RandU01()*float64(hi-lo+1))
	if v > hi {
		v = hi
	}
	return v
}

// randShift draws a shift uniformly from [-maxShift, -1] U [1, maxShift]
func randShift(rs RandomSource, maxShift int) int {
	sign := 1
	if rs.RandU01() < 0.5 {
		sign = -1
	}
	return sign * randInt(rs, 1, maxShift)
}

// NextBeaconShift decides whether the station's next beacon, due at myNextBeacon and
// repeating every myInterval seconds, will collide with the beacon of one of the neighbors
// listed in the timing elements.  Only neighbors beaconing at the same interval (in whole
// time units) are considered; each one's next beacon is projected forward from its last
// until it is at or after our own.  On an exact match a shift drawn uniformly from
// [-maxShift, -1] U [1, maxShift] time units is returned, in seconds, unless it would move
// our beacon to or before now, in which case zero is returned.  Zero is also returned when
// no collision is found.
func NextBeaconShift(now, myNextBeacon, myInterval float64, maxShift int,
	timings []BeaconTimingElement, rs RandomSource) float64 {

	myNextTU := TimeToTU(myNextBeacon)
	myIntervalTU := TimeToTU(myInterval)
	if myIntervalTU <= 0 {
		return 0.0
	}

	collision := false
	for _, bte := range timings {
		for _, unit := range bte.Units {
			if int64(unit.BeaconInterval) != myIntervalTU {
				continue
			}
			// four 256 microsecond units make a time unit
			futureTU := DecodeLastBeacon(unit.LastBeacon, now)/4 + int64(unit.BeaconInterval)
			for futureTU < myNextTU {
				futureTU += int64(unit.BeaconInterval)
			}
			if futureTU == myNextTU {
				collision = true
				break
			}
		}
		if collision {
			break
		}
	}
	if !collision {
		return 0.0
	}

	shift := TUToTime(int64(randShift(rs, maxShift)))
	if myNextBeacon+shift <= now {
		return 0.0
	}
	return shift
}

// OwnBeaconShift draws the shift applied when a station suspects its beacons collide:
// uniform on [-maxShift, maxShift] time units, never zero, returned in seconds
func OwnBeaconShift(maxShift int, rs RandomSource) float64 {
	shift := 0
	for shift == 0 {
		shift = randInt(rs, -maxShift, maxShift)
	}
	return TUToTime(int64(shift))
}

// BeaconsCollide applies the check made after sending a beacon, against the timing
// element of one peer.  myLastBeacon is the encoded time of our last beacon and myIntervalTU
// our beacon interval.  A neighbor of the peer whose last beacon falls a whole number of our
// intervals at or after ours collides with us.  The second result reports whether the peer
// lists us (under peerAID) among its neighbors at all; a peer that does not hear us suggests
// a collision too.
func BeaconsCollide(bte BeaconTimingElement, peerAID uint16, myLastBeacon uint16, myIntervalTU int64) (bool, bool) {
	heardByPeer := false
	for _, unit := range bte.Units {
		if uint16(unit.AID) == peerAID {
			heardByPeer = true
			continue
		}
		diff := unit.LastBeacon - myLastBeacon
		if int16(diff) >= 0 && myIntervalTU > 0 && int64(diff)%(4*myIntervalTU) == 0 {
			return true, heardByPeer
		}
	}
	return false, heardByPeer
}
