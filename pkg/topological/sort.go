// Package topological orders values so that every value comes after the
// values it depends on. Ties are broken by key order, so the result is the
// same on every host.
package topological

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"golang.org/x/exp/constraints"
)

var ErrCycleDetected = fmt.Errorf("cycle detected")

func Sort[T constraints.Ordered](values []T, depFunc func(T) []T) ([]T, error) {
	return SortFunc(values, func(val T) T { return val }, depFunc, cmp.Compare[T])
}

// SortFunc orders values by the keys depFunc reports for them. Keys outside
// values are ignored.
func SortFunc[T any, K comparable](values []T, keyFunc func(T) K, depFunc func(T) []K, compare func(a, b K) int) ([]T, error) {
	valuesByKey := make(map[K]T)
	for _, val := range values {
		valuesByKey[keyFunc(val)] = val
	}

	dependencies := make(map[K]map[K]struct{})
	dependents := make(map[K]map[K]struct{})

	for key, val := range valuesByKey {
		for _, dep := range depFunc(val) {
			if _, ok := valuesByKey[dep]; !ok {
				continue
			}

			if dependencies[key] == nil {
				dependencies[key] = make(map[K]struct{})
			}
			dependencies[key][dep] = struct{}{}

			if dependents[dep] == nil {
				dependents[dep] = make(map[K]struct{})
			}
			dependents[dep][key] = struct{}{}
		}
	}

	var ready []K
	for key := range valuesByKey {
		if len(dependencies[key]) == 0 {
			ready = append(ready, key)
		}
	}
	slices.SortFunc(ready, compare)

	list := make([]T, 0, len(valuesByKey))
	for len(ready) > 0 {
		var key K
		key, ready = ready[0], ready[1:]
		list = append(list, valuesByKey[key])

		var unlocked []K
		for _, dependent := range slices.SortedFunc(maps.Keys(dependents[key]), compare) {
			delete(dependencies[dependent], key)
			if len(dependencies[dependent]) == 0 {
				delete(dependencies, dependent)
				unlocked = append(unlocked, dependent)
			}
		}

		ready = append(ready, unlocked...)
		slices.SortFunc(ready, compare)
	}

	if len(dependencies) > 0 {
		return nil, ErrCycleDetected
	}

	return list, nil
}
