package watcher

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// NewParameterCodec returns a runtime.ParameterCodec able to encode Options
// as URL query parameters, the same construction client-go's generated
// clientsets use for their package-level ParameterCodec.
func NewParameterCodec() runtime.ParameterCodec {
	scheme := runtime.NewScheme()
	metav1.AddToGroupVersion(scheme, schema.GroupVersion{})
	return runtime.NewParameterCodec(scheme)
}
