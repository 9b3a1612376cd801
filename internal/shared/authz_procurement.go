package shared

// Procurement workflow permissions.
const (
	PermProcurementView    = "procurement.view"
	PermProcurementEdit    = "procurement.edit"
	PermProcurementApprove = "procurement.approve"
	PermInventoryView      = "inventory.view"
	PermInventoryAdjust    = "inventory.adjust"
)

// ProcurementScopes lists all permissions related to the procurement workflow.
func ProcurementScopes() []string {
	return []string{
		PermProcurementView,
		PermProcurementEdit,
		PermProcurementApprove,
		PermInventoryView,
		PermInventoryAdjust,
	}
}
