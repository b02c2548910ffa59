package matching

import (
	"encoding/json"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// rigidTolerance bounds how far a received matrix may stray from a rigid transform
const rigidTolerance = 1e-4

// PoseMessage is the JSON form of a pose on MQTT and HTTP. Either Matrix
// (row-major 4x4) or the translation plus quaternion is used; Matrix wins
// when both are present.
type PoseMessage struct {
	X         float64      `json:"x"`
	Y         float64      `json:"y"`
	Z         float64      `json:"z"`
	Qw        float64      `json:"qw"`
	Qx        float64      `json:"qx"`
	Qy        float64      `json:"qy"`
	Qz        float64      `json:"qz"`
	Yaw       float64      `json:"yaw"`
	Matrix    *[16]float64 `json:"matrix,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`
}

// NewPoseMessage converts a pose for publishing
func NewPoseMessage(p Pose, timestamp int64) PoseMessage {
	q := p.Quaternion()
	m := [16]float64(p)
	return PoseMessage{
		X:         p[3],
		Y:         p[7],
		Z:         p[11],
		Qw:        q.Real,
		Qx:        q.Imag,
		Qy:        q.Jmag,
		Qz:        q.Kmag,
		Yaw:       p.Yaw(),
		Matrix:    &m,
		Timestamp: timestamp,
	}
}

// Pose converts the message into a Pose. Without a quaternion the rotation
// comes from Yaw alone.
func (m PoseMessage) Pose() (Pose, error) {
	if m.Matrix != nil {
		p := Pose(*m.Matrix)
		if !p.IsRigid(rigidTolerance) {
			return Identity(), errors.New("pose matrix is not a rigid transform")
		}
		return p, nil
	}
	t := r3.Vector{X: m.X, Y: m.Y, Z: m.Z}
	if !isFinite(t.X) || !isFinite(t.Y) || !isFinite(t.Z) {
		return Identity(), errors.New("pose translation is not finite")
	}
	q := quat.Number{Real: m.Qw, Imag: m.Qx, Jmag: m.Qy, Kmag: m.Qz}
	if q == (quat.Number{}) {
		// planar senders only fill yaw
		return FromYPR(t, m.Yaw, 0, 0), nil
	}
	return NewPose(t, q), nil
}

// DecodePoseMessage parses a JSON pose payload
func DecodePoseMessage(data []byte) (Pose, error) {
	var msg PoseMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Identity(), errors.Wrap(err, "decoding pose message")
	}
	return msg.Pose()
}
