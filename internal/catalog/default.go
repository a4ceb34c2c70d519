package catalog

import "github.com/BTreeMap/FloorPipe/internal/models"

// Flow steps shared across processes.
const (
	StepPersonal     models.Step = "PERSONAL"
	StepProgramadas  models.Step = "PROGRAMADAS"
	StepOperando     models.Step = "OPERANDO"
	StepInventario   models.Step = "INVENTARIO"
	StepParadas      models.Step = "PARADAS"
	StepResumenParo  models.Step = "RESUMEN_PARO"
	StepGeneralNotes models.Step = "GENERAL_NOTES"
)

// supervisionQuestions is the degenerate supervision flow: each step is the
// full question text and the prompt lookup is the identity.
var supervisionQuestions = []models.Step{
	"1. Novedades con programación (dificultades, temas por mejorar o reportar)",
	"2. Producto no conforme (materias primas o productos internos)",
	"3. Atención y novedades con mantenimiento",
	"4. Inventario de suministros y materias primas",
	"5. Estado del inventario de etiquetas sin leer en su ubicación",
	"6. Novedades en puntos de control y autorizaciones",
	"7. Retroalimentación al personal (desempeño, disciplina, reconocimientos)",
	"8. Verificación de registros de máquinas (control de proceso, calidad, listas de chequeo)",
	"9. Orden, aseo y cumplimiento de BPF",
	"10. Métodos de trabajo o documentos por actualizar",
}

// Default returns the production catalog.
func Default() *Catalog {
	flows := map[models.Process][]models.Step{
		models.ProcessCostura:          {StepPersonal, StepProgramadas, StepParadas, StepResumenParo, StepGeneralNotes},
		models.ProcessCuerdas:          {StepPersonal, StepOperando, StepParadas, StepGeneralNotes},
		models.ProcessFileteado:        {StepPersonal, StepProgramadas, StepInventario, StepParadas, StepGeneralNotes},
		models.ProcessImpresionRTR:     {StepPersonal, StepOperando, StepParadas, StepGeneralNotes},
		models.ProcessImpresionGrafica: {StepPersonal, StepOperando, StepParadas, StepGeneralNotes},
	}

	prompts := map[models.Step]map[models.Process]string{
		StepPersonal: {
			models.ProcessCostura:          "📌 Indica el personal ausente en COSTURA (nombre y causa):",
			models.ProcessCuerdas:          "📌 Indica el personal ausente en CUERDAS (nombre y causa):",
			models.ProcessFileteado:        "📌 Indica el personal ausente en FILETEADO (nombre y causa):",
			models.ProcessImpresionRTR:     "📌 Indica el personal ausente en IMPRESIÓN RTR (nombre y causa):",
			models.ProcessImpresionGrafica: "📌 Indica el personal ausente en IMPRESIÓN GRÁFICA (nombre y causa):",
		},
		StepProgramadas: {
			models.ProcessCostura:   "📌 ¿Cuántas máquinas están programadas a trabajar hoy en COSTURA?",
			models.ProcessFileteado: "📌 Indica número de puestos programados en Gasa, Leno y Plana:",
		},
		StepOperando: {
			models.ProcessCuerdas:          "📌 Indica qué máquinas de CUERDAS están trabajando y qué referencias procesan:",
			models.ProcessImpresionRTR:     "📌 Indica qué máquinas de IMPRESIÓN RTR están operando:",
			models.ProcessImpresionGrafica: "📌 Indica qué máquinas de IMPRESIÓN GRÁFICA están operando y la referencia:",
		},
		StepInventario: {
			models.ProcessFileteado: "📌 Indica número de rollos inventario: Gasa, Leno, Banda y Telas abiertas:",
		},
		StepParadas: {
			models.ProcessCostura:          "📌 ¿Qué equipos de COSTURA están parados en este momento y cuál es la causa?",
			models.ProcessCuerdas:          "📌 ¿Qué máquinas de CUERDAS están paradas y cuál es la causa?",
			models.ProcessFileteado:        "📌 ¿Qué máquinas de FILETEADO están paradas y cuál es la causa?",
			models.ProcessImpresionRTR:     "📌 ¿Qué máquinas de IMPRESIÓN RTR están paradas y cuál es la causa?",
			models.ProcessImpresionGrafica: "📌 ¿Qué máquinas de IMPRESIÓN GRÁFICA están paradas y cuál es la causa?",
		},
		StepResumenParo: {
			models.ProcessCostura: "📌 Haz un resumen de novedades de paro del día en COSTURA:",
		},
		StepGeneralNotes: {
			models.ProcessCostura:          "📌 ¿Hay alguna novedad importante para gerencia desde COSTURA?",
			models.ProcessCuerdas:          "📌 ¿Hay alguna novedad importante para gerencia desde CUERDAS?",
			models.ProcessFileteado:        "📌 ¿Hay alguna novedad importante para gerencia desde FILETEADO?",
			models.ProcessImpresionRTR:     "📌 ¿Hay alguna novedad importante para gerencia desde IMPRESIÓN RTR?",
			models.ProcessImpresionGrafica: "📌 ¿Hay alguna novedad importante para gerencia desde IMPRESIÓN GRÁFICA?",
		},
	}

	return New(flows, prompts)
}
