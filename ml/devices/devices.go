/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package devices models the device axis used for data-parallel replication.
//
// The optimizer layer is independent of any accelerator runtime: "devices" here
// are logical replicas, and replicated values carry the device axis explicitly
// as a stacked leading axis on each tensor leaf. A Mesh binds an ordered list of
// devices to a named axis and provides the single collective this layer needs:
// a sum (and derived mean) across that axis.
//
// The local device count defaults to 1; tests and simulations change it with
// SetLocalCount.
package devices

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/gomlx/treeopt/types/tensors"
	"github.com/gomlx/treeopt/types/trees"
	"k8s.io/klog/v2"
)

// Device identifies one logical replica.
type Device struct {
	// Ordinal is the position of the device on the local device list, and its
	// index on the device axis of replicated values.
	Ordinal int

	// ClientID uniquely identifies the device within the process.
	ClientID uuid.UUID
}

// String implements fmt.Stringer.
func (d Device) String() string {
	return fmt.Sprintf("device#%d(%s)", d.Ordinal, d.ClientID)
}

var (
	muLocal      sync.Mutex
	localDevices []Device
)

// Local returns the list of local devices. The default is a single device.
func Local() []Device {
	muLocal.Lock()
	defer muLocal.Unlock()
	if localDevices == nil {
		localDevices = makeDevices(1)
	}
	out := make([]Device, len(localDevices))
	copy(out, localDevices)
	return out
}

// SetLocalCount changes the number of local devices. Meant for tests and
// simulations; call it before creating replicated optimizers.
func SetLocalCount(count int) {
	if count < 1 {
		exceptions.Panicf("devices.SetLocalCount(%d): at least one device is required", count)
	}
	muLocal.Lock()
	defer muLocal.Unlock()
	localDevices = makeDevices(count)
}

func makeDevices(count int) []Device {
	devs := make([]Device, count)
	for ii := range devs {
		devs[ii] = Device{Ordinal: ii, ClientID: uuid.New()}
	}
	return devs
}

// Mesh binds an ordered list of devices to a named axis, over which collectives
// (SumAcross, MeanAcross) reduce.
type Mesh struct {
	axisName string
	devices  []Device
}

// NewMesh creates a Mesh over the given devices, reducing across the axis with
// the given name.
func NewMesh(axisName string, devs []Device) *Mesh {
	if axisName == "" {
		exceptions.Panicf("devices.NewMesh: axis name must not be empty")
	}
	if len(devs) == 0 {
		exceptions.Panicf("devices.NewMesh(%q): at least one device is required", axisName)
	}
	return &Mesh{axisName: axisName, devices: devs}
}

// AxisName of the mesh's device axis.
func (m *Mesh) AxisName() string { return m.axisName }

// Devices returns the mesh's devices, ordered by their position on the device axis.
func (m *Mesh) Devices() []Device { return m.devices }

// Count returns the number of devices on the axis.
func (m *Mesh) Count() int { return len(m.devices) }

// assertReplicated checks that t carries the mesh's device axis as its leading axis.
func (m *Mesh) assertReplicated(t *tensors.Tensor) {
	if t.Rank() == 0 || t.Shape().Dimensions[0] != m.Count() {
		exceptions.Panicf("tensor shaped %s does not carry axis %q with the %d devices of the mesh as its leading axis",
			t.Shape(), m.axisName, m.Count())
	}
}

// SumAcross sums a replicated tensor across the device axis, dropping it.
func (m *Mesh) SumAcross(t *tensors.Tensor) *tensors.Tensor {
	m.assertReplicated(t)
	return t.SumAxis0()
}

// MeanAcross averages a replicated tensor across the device axis, dropping it:
// the sum across the axis divided by the device count.
func (m *Mesh) MeanAcross(t *tensors.Tensor) *tensors.Tensor {
	return m.SumAcross(t).Scale(1.0 / float64(m.Count()))
}

// Replicate broadcasts a tensor onto the mesh: the result gains a leading device
// axis, with one identical copy per device.
func (m *Mesh) Replicate(t *tensors.Tensor) *tensors.Tensor {
	parts := make([]*tensors.Tensor, m.Count())
	for ii := range parts {
		parts[ii] = t
	}
	return tensors.Stack(parts)
}

// Unreplicate extracts the device-0 copy of a replicated tensor, dropping the
// device axis.
func (m *Mesh) Unreplicate(t *tensors.Tensor) *tensors.Tensor {
	m.assertReplicated(t)
	return t.SliceAxis0(0)
}

// ReplicateTree broadcasts every tensor leaf of a tree onto the mesh.
// See Replicate.
func (m *Mesh) ReplicateTree(tree *trees.Tree[*tensors.Tensor]) *trees.Tree[*tensors.Tensor] {
	klog.V(2).Infof("devices: replicating %d leaves onto %d devices (axis %q)",
		tree.NumLeaves(), m.Count(), m.axisName)
	return trees.Map(tree, m.Replicate)
}

// UnreplicateTree extracts the device-0 copy of every tensor leaf of a
// replicated tree. See Unreplicate.
func (m *Mesh) UnreplicateTree(tree *trees.Tree[*tensors.Tensor]) *trees.Tree[*tensors.Tensor] {
	return trees.Map(tree, m.Unreplicate)
}

// MeanAcrossTree averages every tensor leaf of a replicated tree across the
// device axis. See MeanAcross.
func (m *Mesh) MeanAcrossTree(tree *trees.Tree[*tensors.Tensor]) *trees.Tree[*tensors.Tensor] {
	return trees.Map(tree, m.MeanAcross)
}
