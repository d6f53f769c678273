package futarchyamm

import "futarchyd/native/futarchy"

// ConstantProductSourceFactory adapts DeserializeConstantProductSource to
// futarchy.PriceSourceFactory.
type ConstantProductSourceFactory struct{}

func (ConstantProductSourceFactory) Deserialize(data []byte, deps futarchy.PriceSourceDeps) (futarchy.PriceSource, error) {
	return DeserializeConstantProductSource(data, deps)
}

// DynamicFeeSourceFactory adapts DeserializeDynamicFeeSource to
// futarchy.PriceSourceFactory.
type DynamicFeeSourceFactory struct{}

func (DynamicFeeSourceFactory) Deserialize(data []byte, deps futarchy.PriceSourceDeps) (futarchy.PriceSource, error) {
	return DeserializeDynamicFeeSource(data, deps)
}

// KindOf returns the adapter kind tag a store uses to pick the right
// factory on deserialization.
func KindOf(src futarchy.PriceSource) string {
	switch src.(type) {
	case *DynamicFeeSource:
		return "dynamic_fee"
	default:
		return "constant_product"
	}
}

// Factories bundles both source kinds this package ships, keyed the way
// store.New expects.
func Factories() map[string]futarchy.PriceSourceFactory {
	return map[string]futarchy.PriceSourceFactory{
		"constant_product": ConstantProductSourceFactory{},
		"dynamic_fee":      DynamicFeeSourceFactory{},
	}
}
